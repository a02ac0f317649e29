package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Analyzer describes one external analyzer invocation. The command
// receives the artifact path as its final argument and must print a
// JSON array of findings on stdout.
type Analyzer struct {
	Name string `json:"name" yaml:"name"`
	// Command is tokenized without a shell.
	Command string `json:"command" yaml:"command"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// PathFilters restricts the analyzer to artifacts whose path
	// matches at least one doublestar pattern. Empty means all.
	PathFilters []string `json:"path_filters,omitempty" yaml:"path_filters,omitempty"`
}

// appliesTo reports whether the analyzer should run for the artifact
// path.
func (a Analyzer) appliesTo(path string) bool {
	if len(a.PathFilters) == 0 {
		return true
	}
	for _, pattern := range a.PathFilters {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// Runner invokes configured analyzers against an artifact.
type Runner struct {
	analyzers      []Analyzer
	defaultTimeout time.Duration
	maxAttempts    int
	logger         *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMaxAttempts bounds retries per analyzer.
func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) { r.maxAttempts = n }
}

// NewRunner creates an analyzer runner.
func NewRunner(analyzers []Analyzer, opts ...RunnerOption) *Runner {
	r := &Runner{
		analyzers:      analyzers,
		defaultTimeout: 60 * time.Second,
		maxAttempts:    2,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every applicable analyzer against artifactPath and
// aggregates findings. Analyzers that fail all attempts are recorded in
// Report.Failed rather than failing the run; a report with zero
// analyzers run is still valid.
func (r *Runner) Run(ctx context.Context, artifactPath string) (*Report, error) {
	report := &Report{}
	for _, a := range r.analyzers {
		if !a.appliesTo(artifactPath) {
			continue
		}

		findings, err := r.runOne(ctx, a, artifactPath)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("analyzer failed",
				"analyzer", a.Name,
				"error", err)
			report.Failed = append(report.Failed, a.Name)
			continue
		}
		report.AnalyzersRun++
		for i := range findings {
			findings[i].Analyzer = a.Name
		}
		report.Findings = append(report.Findings, findings...)
	}
	return report, nil
}

// runOne invokes a single analyzer with bounded retries.
func (r *Runner) runOne(ctx context.Context, a Analyzer, artifactPath string) ([]Finding, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		findings, err := r.invoke(ctx, a, artifactPath, timeout)
		if err == nil {
			return findings, nil
		}
		lastErr = err
		r.logger.Debug("analyzer attempt failed",
			"analyzer", a.Name,
			"attempt", attempt,
			"error", err)
	}
	return nil, fmt.Errorf("analyzer %s: %w", a.Name, lastErr)
}

func (r *Runner) invoke(ctx context.Context, a Analyzer, artifactPath string, timeout time.Duration) ([]Finding, error) {
	args := splitCommand(a.Command)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	args = append(args, artifactPath)

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	var findings []Finding
	if err := json.Unmarshal(stdout.Bytes(), &findings); err != nil {
		return nil, fmt.Errorf("parse findings: %w", err)
	}
	return findings, nil
}

// splitCommand tokenizes a command string on whitespace, preserving
// single- and double-quoted tokens, without invoking a shell.
func splitCommand(cmd string) []string {
	var tokens []string
	var current strings.Builder
	inSingle := false
	inDouble := false

	for _, r := range cmd {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == ' ' && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
