package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// BucketWorkflows is the JetStream KV bucket holding workflow state.
const BucketWorkflows = "FORGEGATE_WORKFLOWS"

// KVStore persists workflows in a NATS JetStream KV bucket. Commits use
// the bucket's compare-and-swap semantics so concurrent writers cannot
// interleave a torn state.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore creates a KV-backed store, creating the bucket if needed.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	kv, err := js.KeyValue(ctx, BucketWorkflows)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketWorkflows,
			Description: "ForgeGate workflow state",
			History:     5,
		})
		if err != nil {
			return nil, fmt.Errorf("create workflows bucket: %w", err)
		}
	}
	return &KVStore{kv: kv}, nil
}

// Create persists a new workflow for the goal.
func (s *KVStore) Create(ctx context.Context, goal string) (*State, error) {
	id := uuid.New().String()
	state := NewState(id, goal)

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	if _, err := s.kv.Create(ctx, id, data); err != nil {
		return nil, fmt.Errorf("store workflow: %w", err)
	}
	return state, nil
}

// Load returns the workflow with the given id, or ErrNotFound.
func (s *KVStore) Load(ctx context.Context, id string) (*State, error) {
	state, _, err := s.get(ctx, id)
	return state, err
}

func (s *KVStore) get(ctx context.Context, id string) (*State, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get workflow: %w", err)
	}
	var state State
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, 0, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if state.RetryCount == nil {
		state.RetryCount = make(map[Stage]int)
	}
	if state.Artifacts == nil {
		state.Artifacts = make(map[Stage]string)
	}
	if state.StageStatus == nil {
		state.StageStatus = make(map[Stage]Status)
	}
	return &state, entry.Revision(), nil
}

// update writes the state back with compare-and-swap on the revision.
func (s *KVStore) update(ctx context.Context, state *State, rev uint64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if _, err := s.kv.Update(ctx, state.ID, data, rev); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

// AppendEvent appends one history entry without advancing the stage.
func (s *KVStore) AppendEvent(ctx context.Context, id string, ev StageEvent) error {
	state, rev, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	state.History = append(state.History, ev)
	state.UpdatedAt = time.Now().UTC()
	return s.update(ctx, state, rev)
}

// RecordTool appends one tool-invocation record.
func (s *KVStore) RecordTool(ctx context.Context, id string, inv ToolInvocation) error {
	state, rev, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	state.ToolCalls = append(state.ToolCalls, inv)
	state.UpdatedAt = time.Now().UTC()
	return s.update(ctx, state, rev)
}

// CommitStage atomically records a stage result and advances the workflow.
func (s *KVStore) CommitStage(ctx context.Context, id string, commit StageCommit) (*State, error) {
	state, rev, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.CurrentStage.IsTerminal() {
		return nil, ErrTerminal
	}
	if err := commit.Validate(state.CurrentStage); err != nil {
		return nil, err
	}

	applyCommit(state, commit, time.Now().UTC())
	if err := s.update(ctx, state, rev); err != nil {
		return nil, err
	}
	return state, nil
}

// List returns summaries of all workflows in the bucket.
func (s *KVStore) List(ctx context.Context) ([]Summary, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}

	out := make([]Summary, 0, len(keys))
	for _, key := range keys {
		state, _, err := s.get(ctx, key)
		if err != nil {
			continue // skip entries that fail to load
		}
		out = append(out, state.Summarize())
	}
	return out, nil
}
