package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// logExt is the extension for workflow log files.
const logExt = ".log"

// recordType tags one line of a workflow log file.
type recordType string

const (
	recordCreated recordType = "created"
	recordEvent   recordType = "event"
	recordTool    recordType = "tool"
	recordCommit  recordType = "commit"
)

// logRecord is one line of the append-only workflow log. The log is the
// single source of truth: state is rebuilt by replaying it, so there is
// no dual-write path to diverge.
type logRecord struct {
	Type      recordType      `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
	Goal      string          `json:"goal,omitempty"`
	Event     *StageEvent     `json:"event,omitempty"`
	Tool      *ToolInvocation `json:"tool,omitempty"`
	Commit    *StageCommit    `json:"commit,omitempty"`
}

// FileStore persists workflows as append-only, human-inspectable JSON-line
// logs, one file per workflow.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*State
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{
		dir:   dir,
		cache: make(map[string]*State),
	}, nil
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+logExt)
}

// appendRecord writes one record line and syncs it to disk.
func (fs *FileStore) appendRecord(id string, rec logRecord) error {
	f, err := os.OpenFile(fs.path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open workflow log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append log record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync workflow log: %w", err)
	}
	return nil
}

// Create persists a new workflow for the goal.
func (fs *FileStore) Create(ctx context.Context, goal string) (*State, error) {
	id := uuid.New().String()
	state := NewState(id, goal)

	rec := logRecord{
		Type:      recordCreated,
		Timestamp: state.CreatedAt,
		ID:        id,
		Goal:      goal,
	}
	if err := fs.appendRecord(id, rec); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.cache[id] = state
	fs.mu.Unlock()

	return state.DeepCopy(), nil
}

// Load returns the workflow with the given id, replaying its log if it
// is not cached.
func (fs *FileStore) Load(ctx context.Context, id string) (*State, error) {
	fs.mu.RLock()
	if s, ok := fs.cache[id]; ok {
		defer fs.mu.RUnlock()
		return s.DeepCopy(), nil
	}
	fs.mu.RUnlock()

	state, err := fs.replay(id)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.cache[id] = state
	fs.mu.Unlock()

	return state.DeepCopy(), nil
}

// replay rebuilds a state by reading the workflow log from the start.
func (fs *FileStore) replay(id string) (*State, error) {
	f, err := os.Open(fs.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open workflow log: %w", err)
	}
	defer f.Close()

	var state *State
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec logRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("workflow log %s line %d: %w", id, line, err)
		}
		switch rec.Type {
		case recordCreated:
			state = NewState(rec.ID, rec.Goal)
			state.CreatedAt = rec.Timestamp
			state.UpdatedAt = rec.Timestamp
		case recordEvent:
			if state == nil || rec.Event == nil {
				return nil, fmt.Errorf("workflow log %s line %d: event before created", id, line)
			}
			state.History = append(state.History, *rec.Event)
			state.UpdatedAt = rec.Timestamp
		case recordTool:
			if state == nil || rec.Tool == nil {
				return nil, fmt.Errorf("workflow log %s line %d: tool before created", id, line)
			}
			state.ToolCalls = append(state.ToolCalls, *rec.Tool)
			state.UpdatedAt = rec.Timestamp
		case recordCommit:
			if state == nil || rec.Commit == nil {
				return nil, fmt.Errorf("workflow log %s line %d: commit before created", id, line)
			}
			applyCommit(state, *rec.Commit, rec.Timestamp)
		default:
			return nil, fmt.Errorf("workflow log %s line %d: unknown record type %q", id, line, rec.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read workflow log: %w", err)
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}

// AppendEvent appends one history entry without advancing the stage.
func (fs *FileStore) AppendEvent(ctx context.Context, id string, ev StageEvent) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.lockedState(id)
	if err != nil {
		return err
	}

	rec := logRecord{Type: recordEvent, Timestamp: time.Now().UTC(), Event: &ev}
	if err := fs.appendRecord(id, rec); err != nil {
		return err
	}
	state.History = append(state.History, ev)
	state.UpdatedAt = rec.Timestamp
	return nil
}

// RecordTool appends one tool-invocation record.
func (fs *FileStore) RecordTool(ctx context.Context, id string, inv ToolInvocation) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.lockedState(id)
	if err != nil {
		return err
	}

	rec := logRecord{Type: recordTool, Timestamp: time.Now().UTC(), Tool: &inv}
	if err := fs.appendRecord(id, rec); err != nil {
		return err
	}
	state.ToolCalls = append(state.ToolCalls, inv)
	state.UpdatedAt = rec.Timestamp
	return nil
}

// CommitStage atomically records a stage result and advances the workflow.
// The durable append happens first; in-memory state is only advanced once
// the write succeeded, so a failed write leaves the state unadvanced for
// the caller to retry.
func (fs *FileStore) CommitStage(ctx context.Context, id string, commit StageCommit) (*State, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.lockedState(id)
	if err != nil {
		return nil, err
	}
	if state.CurrentStage.IsTerminal() {
		return nil, ErrTerminal
	}
	if err := commit.Validate(state.CurrentStage); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := logRecord{Type: recordCommit, Timestamp: now, Commit: &commit}
	if err := fs.appendRecord(id, rec); err != nil {
		return nil, err
	}
	applyCommit(state, commit, now)
	return state.DeepCopy(), nil
}

// lockedState returns the cached state, replaying the log on a cache miss.
// Callers hold fs.mu.
func (fs *FileStore) lockedState(id string) (*State, error) {
	if s, ok := fs.cache[id]; ok {
		return s, nil
	}
	state, err := fs.replay(id)
	if err != nil {
		return nil, err
	}
	fs.cache[id] = state
	return state, nil
}

// List returns summaries of all workflows in the state directory.
func (fs *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), logExt)
		state, err := fs.Load(ctx, id)
		if err != nil {
			continue // skip unreadable logs
		}
		out = append(out, state.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
