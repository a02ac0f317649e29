package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnavailable is returned by a collector that cannot run (tool missing,
// dependency down). Unavailable collectors are excluded from aggregation,
// never treated as score zero.
var ErrUnavailable = errors.New("collector unavailable")

// Unavailablef wraps ErrUnavailable with a reason.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

// Collector is one independent threat-detection signal source.
type Collector interface {
	// Name returns the collector identifier (e.g., "simulator", "reputation").
	Name() string

	// Assess evaluates the subject and returns a signal, or ErrUnavailable
	// when the collector cannot run.
	Assess(ctx context.Context, subject string) (*Signal, error)
}

// Registry holds named collectors. The canonical signal set is whatever
// has been registered; the pipeline is extensible by registration.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
}

// NewRegistry creates an empty collector registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register adds a collector to the registry.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.Name()] = c
}

// Get retrieves a collector by name.
func (r *Registry) Get(name string) Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectors[name]
}

// All returns the registered collectors in name order.
func (r *Registry) All() []Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Collector, 0, len(names))
	for _, name := range names {
		out = append(out, r.collectors[name])
	}
	return out
}
