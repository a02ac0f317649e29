package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Router selects among configured providers by cost and capability match
// with deterministic fallback. It holds only static configuration and is
// safe to share across concurrent workflows.
type Router struct {
	providers []Provider
	client    *Client
	logger    *slog.Logger
	onCall    func(provider, outcome string)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithCallHook registers a callback invoked after every provider call
// with the provider name and "succeeded" or "failed". Used to feed the
// provider-call metric.
func WithCallHook(fn func(provider, outcome string)) RouterOption {
	return func(r *Router) {
		r.onCall = fn
	}
}

// NewRouter creates a router over the configured providers.
func NewRouter(providers []Provider, client *Client, logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = NewClient(WithLogger(logger))
	}
	r := &Router{
		providers: append([]Provider(nil), providers...),
		client:    client,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Selection is the ordered candidate list for one request. The cursor
// only ever advances; a failed candidate is never revisited mid-request.
type Selection struct {
	candidates []Provider
	cursor     int
}

// Next returns the next candidate, or ErrExhausted when none remain.
func (s *Selection) Next() (Provider, error) {
	if s.cursor >= len(s.candidates) {
		return Provider{}, ErrExhausted
	}
	p := s.candidates[s.cursor]
	s.cursor++
	return p, nil
}

// Remaining returns how many candidates have not been tried.
func (s *Selection) Remaining() int {
	return len(s.candidates) - s.cursor
}

// Select builds the ordered candidate list for the requested capabilities:
// ascending cost first, then descending capability match, then name for a
// stable order. Providers matching none of the requested capabilities are
// excluded. Returns ErrExhausted when no provider qualifies.
func (r *Router) Select(capabilities []string) (*Selection, error) {
	var candidates []Provider
	for _, p := range r.providers {
		if len(capabilities) > 0 && p.matchCount(capabilities) == 0 {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no provider declares %v: %w", capabilities, ErrExhausted)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Cost != candidates[j].Cost {
			return candidates[i].Cost < candidates[j].Cost
		}
		mi, mj := candidates[i].matchCount(capabilities), candidates[j].matchCount(capabilities)
		if mi != mj {
			return mi > mj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return &Selection{candidates: candidates}, nil
}

// Generate runs the request through the candidate list in order, retrying
// transient failures within each provider and advancing to the next on
// failure. Exhausting the list returns ErrExhausted wrapping the last error.
func (r *Router) Generate(ctx context.Context, req Request) (*Result, error) {
	sel, err := r.Select(req.Capabilities)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for {
		p, err := sel.Next()
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: last error: %w", ErrExhausted, lastErr)
			}
			return nil, err
		}

		result, err := r.client.Generate(ctx, p, req)
		if err == nil {
			r.recordCall(p.Name, "succeeded")
			r.logger.Debug("generation succeeded",
				"provider", p.Name,
				"model", result.Model,
				"tokens", result.TokensUsed)
			return result, nil
		}
		r.recordCall(p.Name, "failed")
		lastErr = err
		r.logger.Warn("provider failed, advancing to next candidate",
			"provider", p.Name,
			"remaining", sel.Remaining(),
			"error", err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (r *Router) recordCall(provider, outcome string) {
	if r.onCall != nil {
		r.onCall(provider, outcome)
	}
}
