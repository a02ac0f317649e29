package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsKVWithoutNATS(t *testing.T) {
	c := DefaultConfig()
	c.Workflow.Backend = "kv"
	assert.Error(t, c.Validate())

	c.NATS.URL = "nats://localhost:4222"
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	c := DefaultConfig()
	c.Risk.Thresholds = ThresholdConfig{Medium: 60, High: 60, Critical: 85}
	assert.Error(t, c.Validate())
}

func TestValidateRejectsAmbiguousTemplateStore(t *testing.T) {
	c := DefaultConfig()
	c.Template.URL = "https://templates.example.org"
	c.Template.Dir = "/var/templates"
	assert.Error(t, c.Validate())
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Workflow: WorkflowConfig{MaxRetries: 5, Strict: true},
		Risk: RiskConfig{
			Weights: map[string]float64{"simulator": 0.5},
		},
		NATS: NATSConfig{URL: "nats://localhost:4222"},
	})

	assert.Equal(t, 5, base.Workflow.MaxRetries)
	assert.True(t, base.Workflow.Strict)
	assert.Equal(t, 0.5, base.Risk.Weights["simulator"])
	assert.Equal(t, "nats://localhost:4222", base.NATS.URL)
	// Untouched sections keep their defaults.
	assert.Equal(t, "file", base.Workflow.Backend)
	assert.Equal(t, 85.0, base.Risk.Thresholds.Critical)
}

func TestLoadFromFileLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forgegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflow:
  max_retries: 4
risk:
  weights:
    phishing: 0.3
`), 0o644))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)

	c := DefaultConfig()
	c.Merge(loaded)
	assert.Equal(t, 4, c.Workflow.MaxRetries)
	assert.Equal(t, 0.3, c.Risk.Weights["phishing"])
	assert.Equal(t, "file", c.Workflow.Backend)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	c := DefaultConfig()
	c.Workflow.Strict = true
	require.NoError(t, c.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.True(t, loaded.Workflow.Strict)
	assert.Equal(t, c.Workflow.Backend, loaded.Workflow.Backend)
}

func TestEnsureUserConfigCreatesOnce(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	loader := NewLoader(nil)
	require.NoError(t, loader.EnsureUserConfig())

	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	created, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file", created.Workflow.Backend)

	// A second call must not clobber user edits.
	created.Workflow.MaxRetries = 9
	require.NoError(t, created.SaveToFile(path))
	require.NoError(t, loader.EnsureUserConfig())

	kept, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, kept.Workflow.MaxRetries)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigFile)
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  max_retries: 1\n"), 0o644))

	var reloads atomic.Int32
	var got atomic.Value
	w, err := NewWatcher(path, func(c *Config) {
		got.Store(c)
		reloads.Add(1)
	}, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  max_retries: 7\n"), 0o644))

	require.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	c := got.Load().(*Config)
	assert.Equal(t, 7, c.Workflow.MaxRetries)
}

func TestWatcherKeepsPreviousOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigFile)
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  max_retries: 1\n"), 0o644))

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(*Config) { reloads.Add(1) }, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Invalid backend never reaches the callback.
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  backend: bogus\n"), 0o644))

	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}
