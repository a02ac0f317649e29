package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/forgegate/audit"
	"github.com/c360studio/forgegate/config"
	"github.com/c360studio/forgegate/events"
	"github.com/c360studio/forgegate/metrics"
	"github.com/c360studio/forgegate/orchestrator"
	"github.com/c360studio/forgegate/provider"
	"github.com/c360studio/forgegate/reputation"
	"github.com/c360studio/forgegate/risk"
	"github.com/c360studio/forgegate/risk/collectors"
	"github.com/c360studio/forgegate/template"
	"github.com/c360studio/forgegate/workflow"
)

// appParams are the per-invocation knobs from CLI flags.
type appParams struct {
	templateRef string
	strict      bool
}

// App wires the configured engine: store, gate, providers, and the
// orchestrator on top.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      workflow.Store
	orch       *orchestrator.Orchestrator
	aggregator *risk.Aggregator
	metrics    *metrics.Metrics

	// graph is the reputation graph backing the lookup collector; intel
	// is its persistent write-through handle, nil without persistence.
	graph *reputation.Graph
	intel *reputation.PersistentGraph

	nc      *nats.Conn
	watcher *config.Watcher
}

// newApp builds the engine from configuration.
func newApp(ctx context.Context, cfg *config.Config, params appParams, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("forgegate"),
			nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.nc = nc
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	if err := a.buildGraph(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.aggregator = risk.NewAggregator(
		a.buildCollectors(a.graph),
		riskConfigFrom(cfg),
		risk.WithLogger(logger),
		risk.WithExclusionHook(func(collector string) {
			a.metrics.CollectorTimeouts.WithLabelValues(collector).Inc()
		}))

	orch, err := a.buildOrchestrator(params)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = orch

	return a, nil
}

// StartBackground launches the optional metrics endpoint and the config
// hot-reload watcher.
func (a *App) StartBackground(ctx context.Context, configPath string) {
	if a.cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Addr, a.metrics, a.logger); err != nil {
				a.logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(c *config.Config) {
			a.aggregator.SetConfig(riskConfigFrom(c))
			a.logger.Info("risk policy reloaded")
		}, a.logger)
		if err != nil {
			a.logger.Warn("config watcher unavailable", "error", err)
			return
		}
		if err := watcher.Start(ctx); err != nil {
			a.logger.Warn("config watcher failed to start", "error", err)
			_ = watcher.Close()
			return
		}
		a.watcher = watcher
	}
}

// Close releases held connections.
func (a *App) Close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
}

func (a *App) buildStore(ctx context.Context) (workflow.Store, error) {
	switch a.cfg.Workflow.Backend {
	case "kv":
		js, err := jetstream.New(a.nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		return workflow.NewKVStore(ctx, js)
	default:
		return workflow.NewFileStore(a.cfg.Workflow.StateDir)
	}
}

func (a *App) buildGraph(ctx context.Context) error {
	propagation := reputation.DefaultPropagationConfig()
	if a.cfg.Reputation.MaxHops > 0 {
		propagation.MaxHops = a.cfg.Reputation.MaxHops
	}
	if a.cfg.Reputation.Decay > 0 {
		propagation.Decay = a.cfg.Reputation.Decay
	}

	if a.cfg.Reputation.Persist {
		js, err := jetstream.New(a.nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		pg, err := reputation.NewPersistentGraph(ctx, js, propagation, a.logger)
		if err != nil {
			return fmt.Errorf("reputation graph: %w", err)
		}
		a.graph = pg.Graph
		a.intel = pg
		return nil
	}
	a.graph = reputation.NewGraph(propagation)
	return nil
}

func (a *App) buildCollectors(graph *reputation.Graph) *risk.Registry {
	registry := risk.NewRegistry()

	// The simulator falls back to a source scan of the artifact when no
	// fork environment is wired.
	sim := collectors.NewSimulator(nil, func(subject string) ([]byte, bool) {
		data, err := os.ReadFile(subject)
		return data, err == nil
	})
	if a.cfg.Risk.OutflowLimit > 0 {
		sim.OutflowLimit = a.cfg.Risk.OutflowLimit
	}
	registry.Register(sim)
	registry.Register(collectors.NewReputationLookup(graph))
	registry.Register(collectors.NewPhishingHeuristic(a.cfg.Risk.Allowlist, leafCertIssuedAt))
	registry.Register(collectors.NewAllowanceScanner(nil))
	registry.Register(collectors.NewLearnedScorer())
	return registry
}

func (a *App) buildOrchestrator(params appParams) (*orchestrator.Orchestrator, error) {
	providers := make([]provider.Provider, 0, len(a.cfg.Providers))
	for _, pc := range a.cfg.Providers {
		if provider.GetCodec(pc.Codec) == nil {
			return nil, fmt.Errorf("provider %s: unknown codec %q", pc.Name, pc.Codec)
		}
		providers = append(providers, provider.Provider{
			Name:         pc.Name,
			Codec:        pc.Codec,
			URL:          pc.URL,
			Model:        pc.Model,
			Cost:         pc.Cost,
			Capabilities: pc.Capabilities,
			Timeout:      pc.Timeout,
		})
	}
	client := provider.NewClient(provider.WithLogger(a.logger))
	router := provider.NewRouter(providers, client, a.logger,
		provider.WithCallHook(func(name, outcome string) {
			a.metrics.ProviderCalls.WithLabelValues(name, outcome).Inc()
		}))

	var templates template.Store
	switch {
	case a.cfg.Template.URL != "":
		templates = template.NewHTTPStore(a.cfg.Template.URL,
			template.WithHTTPStoreLogger(a.logger))
	case a.cfg.Template.Dir != "":
		templates = template.NewDirStore(a.cfg.Template.Dir)
	}

	stateDir := a.cfg.Workflow.StateDir
	opts := []orchestrator.Option{
		orchestrator.WithGate(a.aggregator),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithStrict(a.cfg.Workflow.Strict || params.strict),
		orchestrator.WithRetryPolicy(orchestrator.RetryPolicy{
			MaxRetries:        a.cfg.Workflow.MaxRetries,
			BackoffBase:       a.cfg.Workflow.BackoffBase,
			BackoffMultiplier: 2.0,
			MaxBackoff:        30 * time.Second,
		}),
		orchestrator.WithOrchestratorLogger(a.logger),
		orchestrator.WithExecutor(orchestrator.InputParser{}),
		orchestrator.WithExecutor(&orchestrator.Generator{
			Router:       router,
			Capabilities: []string{"code"},
			Templates:    templates,
			TemplateRef:  params.templateRef,
			ArtifactDir:  filepath.Join(stateDir, "artifacts"),
			Logger:       a.logger,
		}),
		orchestrator.WithExecutor(&orchestrator.Auditor{
			Runner:    audit.NewRunner(a.cfg.Audit.Analyzers, audit.WithRunnerLogger(a.logger)),
			MaxErrors: a.cfg.Audit.MaxErrors,
		}),
		orchestrator.WithExecutor(&orchestrator.Releaser{
			Target: orchestrator.DirTarget{Dir: filepath.Join(stateDir, "releases")},
		}),
		orchestrator.WithExecutor(orchestrator.Verifier{}),
		orchestrator.WithExecutor(&orchestrator.Tester{}),
	}

	if a.cfg.NATS.PublishEvents && a.nc != nil {
		opts = append(opts, orchestrator.WithPublisher(events.NewPublisher(a.nc, a.logger)))
	}

	return orchestrator.New(a.store, opts...), nil
}

// riskConfigFrom maps the YAML risk section onto the aggregator policy,
// keeping documented defaults for anything unset.
func riskConfigFrom(cfg *config.Config) risk.Config {
	rc := risk.DefaultConfig()
	if len(cfg.Risk.Weights) > 0 {
		rc.Weights = cfg.Risk.Weights
	}
	if t := cfg.Risk.Thresholds; t != (config.ThresholdConfig{}) {
		rc.Thresholds = risk.Thresholds{
			Medium:   t.Medium,
			High:     t.High,
			Critical: t.Critical,
		}
	}
	if len(cfg.Risk.AlwaysCriticalLabels) > 0 {
		rc.AlwaysCriticalLabels = cfg.Risk.AlwaysCriticalLabels
	}
	if cfg.Risk.CollectorTimeout > 0 {
		rc.CollectorTimeout = cfg.Risk.CollectorTimeout
	}
	if cfg.Risk.OverallTimeout > 0 {
		rc.OverallTimeout = cfg.Risk.OverallTimeout
	}
	return rc
}

// leafCertIssuedAt fetches the NotBefore of a host's leaf certificate
// for the phishing cert-age heuristic.
func leafCertIssuedAt(ctx context.Context, host string) (time.Time, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 5 * time.Second},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = conn.Close() }()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return time.Time{}, fmt.Errorf("no peer certificates for %s", host)
	}
	return certs[0].NotBefore, nil
}
