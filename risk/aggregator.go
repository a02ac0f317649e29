package risk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultWeight applies to signals that have no entry in the weight table.
// The weighting policy is deliberately configuration, not code: the right
// values are an open calibration question against labeled data.
const DefaultWeight = 0.2

// Thresholds are the ascending score cut-offs for risk levels.
// A score below Medium is LOW; above Critical is CRITICAL.
type Thresholds struct {
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Config holds the tunable aggregation policy.
type Config struct {
	// Weights is the per-signal weight table. Intended to sum to 1 across
	// the canonical signal set; missing signals renormalize implicitly.
	Weights map[string]float64 `yaml:"weights" json:"weights"`

	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`

	// AlwaysCriticalLabels force CRITICAL regardless of the weighted
	// aggregate. A single strong signal must not be diluted by averaging.
	AlwaysCriticalLabels []string `yaml:"always_critical_labels" json:"always_critical_labels"`

	// ConflictSpread is the max-minus-min score spread beyond which the
	// assessment is flagged conflicted.
	ConflictSpread float64 `yaml:"conflict_spread" json:"conflict_spread"`

	// CollectorTimeout bounds each individual collector.
	CollectorTimeout time.Duration `yaml:"collector_timeout" json:"collector_timeout"`

	// OverallTimeout bounds the whole fan-out; collectors still running
	// at the deadline are excluded from the assessment.
	OverallTimeout time.Duration `yaml:"overall_timeout" json:"overall_timeout"`
}

// DefaultConfig returns the documented default aggregation policy.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			CollectorSimulator:  0.25,
			CollectorReputation: 0.25,
			CollectorPhishing:   0.15,
			CollectorAllowance:  0.20,
			CollectorLearned:    0.15,
		},
		Thresholds: Thresholds{
			Medium:   30,
			High:     60,
			Critical: 85,
		},
		AlwaysCriticalLabels: []string{
			"known-phisher",
			"unlimited-approval-confirmed",
			"exploit-signature",
		},
		ConflictSpread:   50,
		CollectorTimeout: 5 * time.Second,
		OverallTimeout:   10 * time.Second,
	}
}

// Canonical collector names.
const (
	CollectorSimulator  = "simulator"
	CollectorReputation = "reputation"
	CollectorPhishing   = "phishing"
	CollectorAllowance  = "allowance"
	CollectorLearned    = "learned"
)

// Aggregator fans out to the registered collectors and combines whatever
// subset responds into one assessment.
type Aggregator struct {
	registry   *Registry
	logger     *slog.Logger
	onExcluded func(collector string)

	mu     sync.RWMutex
	config Config
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithExclusionHook registers a callback invoked once per collector that
// is excluded from an assessment (unavailable, failed, or timed out).
// Used to feed the collector-timeout metric.
func WithExclusionHook(fn func(collector string)) AggregatorOption {
	return func(a *Aggregator) {
		a.onExcluded = fn
	}
}

// NewAggregator creates an aggregator over the given registry.
func NewAggregator(registry *Registry, config Config, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		registry: registry,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetConfig swaps the aggregation policy. Safe for concurrent use; used
// by the config hot-reload watcher.
func (a *Aggregator) SetConfig(config Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = config
}

// Config returns the current aggregation policy.
func (a *Aggregator) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// collectorResult is one collector's outcome from the fan-out.
type collectorResult struct {
	name   string
	signal *Signal
	err    error
}

// Assess runs all registered collectors concurrently, joins them against
// the overall deadline, and aggregates the partial result set.
func (a *Aggregator) Assess(ctx context.Context, subject string) *Assessment {
	cfg := a.Config()
	collectors := a.registry.All()

	results := make(chan collectorResult, len(collectors))
	var wg sync.WaitGroup
	for _, c := range collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, cfg.CollectorTimeout)
			defer cancel()
			signal, err := c.Assess(cctx, subject)
			results <- collectorResult{name: c.Name(), signal: signal, err: err}
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	deadline := time.NewTimer(cfg.OverallTimeout)
	defer deadline.Stop()

	assessment := &Assessment{
		Subject:    subject,
		Signals:    make(map[string]Signal),
		AssessedAt: time.Now().UTC(),
	}

	seen := make(map[string]bool, len(collectors))

join:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break join
			}
			seen[res.name] = true
			if res.err != nil {
				if errors.Is(res.err, ErrUnavailable) || errors.Is(res.err, context.DeadlineExceeded) {
					a.logger.Debug("collector excluded from assessment",
						"collector", res.name,
						"subject", subject,
						"error", res.err)
				} else {
					a.logger.Warn("collector failed, excluding signal",
						"collector", res.name,
						"subject", subject,
						"error", res.err)
				}
				a.exclude(assessment, res.name)
				continue
			}
			assessment.Signals[res.name] = *res.signal
		case <-deadline.C:
			a.logger.Warn("assessment deadline reached, proceeding with partial signals",
				"subject", subject,
				"signals", len(assessment.Signals))
			for _, c := range collectors {
				if !seen[c.Name()] {
					a.exclude(assessment, c.Name())
				}
			}
			break join
		case <-ctx.Done():
			break join
		}
	}

	a.aggregate(assessment, cfg)
	return assessment
}

// exclude records a collector that contributed no signal.
func (a *Aggregator) exclude(assessment *Assessment, name string) {
	assessment.Unavailable = append(assessment.Unavailable, name)
	if a.onExcluded != nil {
		a.onExcluded(name)
	}
}

// aggregate computes the weighted score, level, and conflict flag from
// the collected signals.
func (a *Aggregator) aggregate(assessment *Assessment, cfg Config) {
	if len(assessment.Signals) == 0 {
		assessment.Level = LevelUnknown
		return
	}

	var weightedSum, weightTotal float64
	minScore, maxScore := 101.0, -1.0
	for name, sig := range assessment.Signals {
		w := a.weightFor(name, cfg)
		weightedSum += sig.Score * w * sig.Confidence
		weightTotal += w * sig.Confidence
		if sig.Score < minScore {
			minScore = sig.Score
		}
		if sig.Score > maxScore {
			maxScore = sig.Score
		}
	}
	if weightTotal > 0 {
		assessment.AggregateScore = weightedSum / weightTotal
	}
	assessment.Level = cfg.Thresholds.levelFor(assessment.AggregateScore)
	assessment.Conflict = maxScore-minScore > cfg.ConflictSpread

	// A single always-critical label wins over the average.
	for name, sig := range assessment.Signals {
		for _, label := range cfg.AlwaysCriticalLabels {
			if sig.HasLabel(label) {
				assessment.Level = LevelCritical
				assessment.ForcedCritical = label
				a.logger.Info("always-critical label forced level",
					"subject", assessment.Subject,
					"collector", name,
					"label", label)
				return
			}
		}
	}
}

func (a *Aggregator) weightFor(name string, cfg Config) float64 {
	if w, ok := cfg.Weights[name]; ok {
		return w
	}
	return DefaultWeight
}

// levelFor maps a score to its level via the ascending thresholds.
func (t Thresholds) levelFor(score float64) Level {
	switch {
	case score > t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}
