package reputation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketReputation is the JetStream KV bucket holding reputation records.
const BucketReputation = "FORGEGATE_REPUTATION"

// storedRecord is the durable shape of one subject's intel.
type storedRecord struct {
	Subject string   `json:"subject"`
	Labels  []string `json:"labels,omitempty"`
	Edges   []Edge   `json:"edges,omitempty"`
}

// PersistentGraph is a Graph with write-through persistence to a NATS
// JetStream KV bucket. Mutations append to the in-memory graph and then
// upsert the subject's record; reads never touch the bucket.
type PersistentGraph struct {
	*Graph
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewPersistentGraph creates the bucket if needed and loads all existing
// records into a fresh graph.
func NewPersistentGraph(ctx context.Context, js jetstream.JetStream, config PropagationConfig, logger *slog.Logger) (*PersistentGraph, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := js.KeyValue(ctx, BucketReputation)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketReputation,
			Description: "ForgeGate reputation intel ledger",
		})
		if err != nil {
			return nil, fmt.Errorf("create reputation bucket: %w", err)
		}
	}

	pg := &PersistentGraph{
		Graph:  NewGraph(config),
		kv:     kv,
		logger: logger,
	}
	if err := pg.load(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

// load replays all stored records into the in-memory graph.
func (pg *PersistentGraph) load(ctx context.Context) error {
	keys, err := pg.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("list reputation keys: %w", err)
	}

	for _, key := range keys {
		entry, err := pg.kv.Get(ctx, key)
		if err != nil {
			pg.logger.Warn("skipping unreadable reputation record", "key", key, "error", err)
			continue
		}
		var rec storedRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			pg.logger.Warn("skipping malformed reputation record", "key", key, "error", err)
			continue
		}
		for _, l := range rec.Labels {
			pg.Graph.AddLabel(rec.Subject, l)
		}
		for _, e := range rec.Edges {
			pg.Graph.AddEdge(rec.Subject, e.Neighbor, e.Weight)
		}
	}
	pg.logger.Debug("loaded reputation graph", "records", len(keys))
	return nil
}

// subjectKey derives a KV-safe key from an arbitrary subject identifier.
func subjectKey(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])
}

// persist upserts the subject's full record.
func (pg *PersistentGraph) persist(ctx context.Context, subject string) error {
	rec := pg.Graph.Lookup(subject)
	data, err := json.Marshal(storedRecord{
		Subject: rec.Subject,
		Labels:  rec.Labels,
		Edges:   rec.Edges,
	})
	if err != nil {
		return fmt.Errorf("marshal reputation record: %w", err)
	}
	if _, err := pg.kv.Put(ctx, subjectKey(subject), data); err != nil {
		return fmt.Errorf("persist reputation record: %w", err)
	}
	return nil
}

// AddLabel appends a label and persists the subject's record.
func (pg *PersistentGraph) AddLabel(ctx context.Context, subject, label string) error {
	pg.Graph.AddLabel(subject, label)
	return pg.persist(ctx, subject)
}

// AddEdge appends an edge and persists the source subject's record.
func (pg *PersistentGraph) AddEdge(ctx context.Context, a, b string, weight float64) error {
	pg.Graph.AddEdge(a, b, weight)
	return pg.persist(ctx, a)
}
