// Package config provides configuration loading and management for
// ForgeGate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/forgegate/audit"
)

// Config is the complete ForgeGate configuration.
type Config struct {
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Providers  []ProviderConfig `yaml:"providers"`
	Risk       RiskConfig       `yaml:"risk"`
	Reputation ReputationConfig `yaml:"reputation"`
	Template   TemplateConfig   `yaml:"template"`
	Audit      AuditConfig      `yaml:"audit"`
	NATS       NATSConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// WorkflowConfig configures the orchestrator and state store.
type WorkflowConfig struct {
	// StateDir holds the append-only workflow logs when the file
	// store is used.
	StateDir string `yaml:"state_dir"`
	// Backend is "file" or "kv".
	Backend string `yaml:"backend"`
	// MaxRetries bounds retries for a degradable stage before it is
	// skipped.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the initial retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// Strict promotes degradable stage failures to workflow failures.
	Strict bool `yaml:"strict"`
}

// ProviderConfig declares one generation backend.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	Codec        string        `yaml:"codec"`
	URL          string        `yaml:"url"`
	Model        string        `yaml:"model"`
	Cost         float64       `yaml:"cost"`
	Capabilities []string      `yaml:"capabilities"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RiskConfig configures the release gate.
type RiskConfig struct {
	// Weights maps collector name to aggregation weight.
	Weights map[string]float64 `yaml:"weights"`
	// Thresholds are the medium/high/critical score boundaries.
	Thresholds ThresholdConfig `yaml:"thresholds"`
	// AlwaysCriticalLabels force a CRITICAL level regardless of score.
	AlwaysCriticalLabels []string `yaml:"always_critical_labels"`
	// Allowlist holds doublestar host patterns trusted by the
	// phishing heuristic.
	Allowlist []string `yaml:"allowlist"`
	// CollectorTimeout bounds each collector; OverallTimeout bounds
	// the whole assessment.
	CollectorTimeout time.Duration `yaml:"collector_timeout"`
	OverallTimeout   time.Duration `yaml:"overall_timeout"`
	// OutflowLimit is the simulator's draining threshold.
	OutflowLimit float64 `yaml:"outflow_limit"`
}

// ThresholdConfig mirrors risk.Thresholds in YAML form.
type ThresholdConfig struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// ReputationConfig configures the reputation graph.
type ReputationConfig struct {
	// MaxHops bounds propagation; Decay is the per-hop attenuation.
	MaxHops int     `yaml:"max_hops"`
	Decay   float64 `yaml:"decay"`
	// Persist enables the KV-backed graph (requires nats.url).
	Persist bool `yaml:"persist"`
}

// TemplateConfig points at the content-addressed template store.
// Exactly one of URL or Dir should be set; both empty disables
// enrichment.
type TemplateConfig struct {
	URL string `yaml:"url"`
	Dir string `yaml:"dir"`
}

// AuditConfig lists the external analyzers for the AUDIT stage.
type AuditConfig struct {
	Analyzers []audit.Analyzer `yaml:"analyzers"`
	// MaxErrors is the error-finding count at or above which the
	// AUDIT stage is marked degraded.
	MaxErrors int `yaml:"max_errors"`
}

// NATSConfig configures the optional NATS connection used for KV
// persistence and stage-event publishing.
type NATSConfig struct {
	URL string `yaml:"url"`
	// PublishEvents mirrors stage events onto forgegate.workflow.>.
	PublishEvents bool `yaml:"publish_events"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables it.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			StateDir:    defaultStateDir(),
			Backend:     "file",
			MaxRetries:  2,
			BackoffBase: 2 * time.Second,
		},
		Providers: []ProviderConfig{
			{
				Name:         "ollama",
				Codec:        "ollama",
				URL:          "http://localhost:11434/v1/chat/completions",
				Model:        "qwen2.5-coder:32b",
				Cost:         0,
				Capabilities: []string{"code"},
				Timeout:      5 * time.Minute,
			},
		},
		Risk: RiskConfig{
			Thresholds: ThresholdConfig{
				Medium:   30,
				High:     60,
				Critical: 85,
			},
			CollectorTimeout: 5 * time.Second,
			OverallTimeout:   10 * time.Second,
			OutflowLimit:     10_000,
		},
		Reputation: ReputationConfig{
			MaxHops: 3,
			Decay:   0.5,
		},
		Audit: AuditConfig{
			MaxErrors: 1,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forgegate"
	}
	return filepath.Join(home, ".forgegate", "workflows")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Workflow.Backend {
	case "file", "kv":
	default:
		return fmt.Errorf("workflow.backend must be file or kv, got %q", c.Workflow.Backend)
	}
	if c.Workflow.Backend == "kv" && c.NATS.URL == "" {
		return fmt.Errorf("workflow.backend kv requires nats.url")
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow.max_retries must not be negative")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if p.Codec == "" {
			return fmt.Errorf("provider %s: codec is required", p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", p.Name)
		}
	}
	t := c.Risk.Thresholds
	if !(t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("risk.thresholds must be strictly increasing")
	}
	for name, w := range c.Risk.Weights {
		if w < 0 {
			return fmt.Errorf("risk.weights[%s] must not be negative", name)
		}
	}
	if c.Template.URL != "" && c.Template.Dir != "" {
		return fmt.Errorf("template.url and template.dir are mutually exclusive")
	}
	if c.Reputation.Persist && c.NATS.URL == "" {
		return fmt.Errorf("reputation.persist requires nats.url")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file layered over
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge overlays non-zero values from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Workflow.StateDir != "" {
		c.Workflow.StateDir = other.Workflow.StateDir
	}
	if other.Workflow.Backend != "" {
		c.Workflow.Backend = other.Workflow.Backend
	}
	if other.Workflow.MaxRetries != 0 {
		c.Workflow.MaxRetries = other.Workflow.MaxRetries
	}
	if other.Workflow.BackoffBase != 0 {
		c.Workflow.BackoffBase = other.Workflow.BackoffBase
	}
	if other.Workflow.Strict {
		c.Workflow.Strict = true
	}

	if len(other.Providers) > 0 {
		c.Providers = other.Providers
	}

	if len(other.Risk.Weights) > 0 {
		c.Risk.Weights = other.Risk.Weights
	}
	if other.Risk.Thresholds != (ThresholdConfig{}) {
		c.Risk.Thresholds = other.Risk.Thresholds
	}
	if len(other.Risk.AlwaysCriticalLabels) > 0 {
		c.Risk.AlwaysCriticalLabels = other.Risk.AlwaysCriticalLabels
	}
	if len(other.Risk.Allowlist) > 0 {
		c.Risk.Allowlist = other.Risk.Allowlist
	}
	if other.Risk.CollectorTimeout != 0 {
		c.Risk.CollectorTimeout = other.Risk.CollectorTimeout
	}
	if other.Risk.OverallTimeout != 0 {
		c.Risk.OverallTimeout = other.Risk.OverallTimeout
	}
	if other.Risk.OutflowLimit != 0 {
		c.Risk.OutflowLimit = other.Risk.OutflowLimit
	}

	if other.Reputation.MaxHops != 0 {
		c.Reputation.MaxHops = other.Reputation.MaxHops
	}
	if other.Reputation.Decay != 0 {
		c.Reputation.Decay = other.Reputation.Decay
	}
	if other.Reputation.Persist {
		c.Reputation.Persist = true
	}

	if other.Template.URL != "" {
		c.Template.URL = other.Template.URL
		c.Template.Dir = ""
	}
	if other.Template.Dir != "" {
		c.Template.Dir = other.Template.Dir
		c.Template.URL = ""
	}

	if len(other.Audit.Analyzers) > 0 {
		c.Audit.Analyzers = other.Audit.Analyzers
	}
	if other.Audit.MaxErrors != 0 {
		c.Audit.MaxErrors = other.Audit.MaxErrors
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.PublishEvents {
		c.NATS.PublishEvents = true
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
