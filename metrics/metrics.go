// Package metrics exposes Prometheus instrumentation for the workflow
// engine and the release gate.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all ForgeGate collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	StageTransitions  *prometheus.CounterVec
	StageRetries      *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	GateDecisions     *prometheus.CounterVec
	CollectorTimeouts *prometheus.CounterVec
	AggregateScore    prometheus.Histogram
	ProviderCalls     *prometheus.CounterVec
}

// New creates a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forgegate_stage_transitions_total",
			Help: "Stage completions by stage and result.",
		}, []string{"stage", "result"}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forgegate_stage_retries_total",
			Help: "Retry attempts by stage.",
		}, []string{"stage"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forgegate_stage_duration_seconds",
			Help:    "Stage execution time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		}, []string{"stage"}),
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forgegate_gate_decisions_total",
			Help: "Release gate outcomes by risk level and decision.",
		}, []string{"level", "decision"}),
		CollectorTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forgegate_collector_timeouts_total",
			Help: "Signal collectors that missed their deadline.",
		}, []string{"collector"}),
		AggregateScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgegate_aggregate_risk_score",
			Help:    "Distribution of aggregate risk scores at the gate.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forgegate_provider_calls_total",
			Help: "Generation calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records a finished stage execution.
func (m *Metrics) ObserveStage(stage, result string, d time.Duration) {
	m.StageTransitions.WithLabelValues(stage, result).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Serve runs the metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
