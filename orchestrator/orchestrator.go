// Package orchestrator drives the workflow state machine: it executes
// stages in order, applies the retry and failure policy, and gates the
// release stage on the risk assessment.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/forgegate/events"
	"github.com/c360studio/forgegate/metrics"
	"github.com/c360studio/forgegate/risk"
	"github.com/c360studio/forgegate/workflow"
)

// RetryPolicy bounds per-stage retries of recoverable errors.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryPolicy returns the stock retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// backoff computes the delay before retry attempt n (1-based), with
// ±25% jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	if max := float64(p.MaxBackoff); p.MaxBackoff > 0 && d > max {
		d = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(d * jitter)
}

// RunOptions carries the per-run flags.
type RunOptions struct {
	// Override is the explicit human override of the release gate.
	Override bool

	// Force re-executes the named stages even when they already have a
	// committed SUCCEEDED result.
	Force map[workflow.Stage]bool
}

// Orchestrator executes workflows against a durable store.
type Orchestrator struct {
	store     workflow.Store
	executors executorSet
	gate      *risk.Aggregator
	retry     RetryPolicy
	strict    bool
	metrics   *metrics.Metrics
	publisher *events.Publisher
	logger    *slog.Logger

	abortMu sync.Mutex
	aborts  map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExecutor registers a stage executor, replacing any previous one
// for the same stage.
func WithExecutor(e StageExecutor) Option {
	return func(o *Orchestrator) { o.executors.add(e) }
}

// WithGate sets the risk aggregator consulted before RELEASE. Without a
// gate the release stage fails closed.
func WithGate(gate *risk.Aggregator) Option {
	return func(o *Orchestrator) { o.gate = gate }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithStrict promotes degradable stage failures to workflow failures.
func WithStrict(strict bool) Option {
	return func(o *Orchestrator) { o.strict = strict }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher attaches the NATS stage-event publisher.
func WithPublisher(p *events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator over the given store.
func New(store workflow.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		executors: make(executorSet),
		retry:     DefaultRetryPolicy(),
		logger:    slog.Default(),
		aborts:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run creates a workflow for the goal and drives it to a terminal
// stage. The returned state is terminal unless ctx was cancelled.
func (o *Orchestrator) Run(ctx context.Context, goal string, opts RunOptions) (*workflow.State, error) {
	state, err := o.store.Create(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	o.logger.Info("workflow created",
		"workflow_id", state.ID,
		"goal", goal)
	return o.drive(ctx, state, opts)
}

// Resume loads a workflow and continues from its current stage. Stages
// with a committed SUCCEEDED result are not re-executed unless forced.
func (o *Orchestrator) Resume(ctx context.Context, id string, opts RunOptions) (*workflow.State, error) {
	state, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.CurrentStage.IsTerminal() {
		return state, workflow.ErrTerminal
	}
	o.logger.Info("workflow resumed",
		"workflow_id", state.ID,
		"stage", state.CurrentStage)
	return o.drive(ctx, state, opts)
}

// Abort requests cancellation of a workflow. The flag is observed at
// the next stage boundary only; an in-flight external call is not
// interrupted.
func (o *Orchestrator) Abort(id string) {
	o.abortMu.Lock()
	o.aborts[id] = true
	o.abortMu.Unlock()
}

func (o *Orchestrator) abortRequested(id string) bool {
	o.abortMu.Lock()
	defer o.abortMu.Unlock()
	return o.aborts[id]
}

// drive runs stages until the workflow reaches a terminal stage.
func (o *Orchestrator) drive(ctx context.Context, state *workflow.State, opts RunOptions) (*workflow.State, error) {
	if len(opts.Force) > 0 {
		redone, err := o.redoForced(ctx, state, opts)
		if err != nil {
			return redone, err
		}
		state = redone
	}

	for !state.CurrentStage.IsTerminal() {
		stage := state.CurrentStage

		if o.abortRequested(state.ID) || ctx.Err() != nil {
			return o.commitAbort(ctx, state, stage)
		}

		// A committed SUCCEEDED stage is never silently re-run.
		if state.StageSucceeded(stage) && !opts.Force[stage] {
			next, _ := stage.Next()
			committed, err := o.commit(ctx, state, workflow.StageCommit{
				Stage:          stage,
				Result:         workflow.StatusSucceeded,
				Advance:        next,
				WorkflowStatus: statusFor(next),
				Event: workflow.StageEvent{
					Stage:      stage,
					Action:     "update",
					Reasoning:  "stage already succeeded, skipping",
					Confidence: 1,
					Timestamp:  time.Now().UTC(),
				},
			})
			if err != nil {
				return state, err
			}
			state = committed
			continue
		}

		if stage == workflow.StageRelease {
			blocked, err := o.checkGate(ctx, state, opts)
			if err != nil && !IsGateBlocked(err) {
				return state, err
			}
			if blocked != nil {
				return blocked, err
			}
		}

		next, _ := stage.Next()
		committed, err := o.runStage(ctx, state, stage, next)
		if err != nil {
			return committed, err
		}
		state = committed
	}
	return state, nil
}

// redoForced re-executes stages behind CurrentStage that already
// committed a SUCCEEDED result, when the caller forced them. The
// workflow never moves backward: each re-run appends fresh history and
// replaces the stage artifact while CurrentStage stays put.
func (o *Orchestrator) redoForced(ctx context.Context, state *workflow.State, opts RunOptions) (*workflow.State, error) {
	for _, stage := range workflow.ExecutableStages() {
		if stage.Index() >= state.CurrentStage.Index() {
			break
		}
		if !opts.Force[stage] || !state.StageSucceeded(stage) {
			continue
		}
		if o.abortRequested(state.ID) || ctx.Err() != nil {
			return o.commitAbort(ctx, state, stage)
		}

		// A forced release re-run is still gated.
		if stage == workflow.StageRelease {
			blocked, err := o.checkGate(ctx, state, opts)
			if err != nil && !IsGateBlocked(err) {
				return state, err
			}
			if blocked != nil {
				return blocked, err
			}
		}

		o.logger.Info("re-executing stage on operator force",
			"workflow_id", state.ID,
			"stage", stage)
		next, err := o.runStage(ctx, state, stage, state.CurrentStage)
		if err != nil {
			return next, err
		}
		state = next
	}
	return state, nil
}

// runStage executes one stage attempt cycle and commits its outcome,
// advancing the workflow to advanceTo on success.
func (o *Orchestrator) runStage(ctx context.Context, state *workflow.State, stage, advanceTo workflow.Stage) (*workflow.State, error) {
	exec, ok := o.executors[stage]
	if !ok {
		return o.failStage(ctx, state, stage, advanceTo, 0,
			NewCritical(stage, fmt.Errorf("no executor registered")))
	}

	start := time.Now()
	output, retries, err := o.executeWithRetry(ctx, exec, state)
	duration := time.Since(start)

	if o.metrics != nil && retries > 0 {
		o.metrics.StageRetries.WithLabelValues(stage.String()).Add(float64(retries))
	}

	if err != nil {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		o.observeStage(stage, "failed", duration)
		return o.failStage(ctx, state, stage, advanceTo, retries, err)
	}

	for _, inv := range output.Tools {
		if rerr := o.store.RecordTool(ctx, state.ID, inv); rerr != nil {
			o.logger.Warn("record tool invocation",
				"workflow_id", state.ID,
				"error", rerr)
		}
	}

	committed, err := o.commit(ctx, state, workflow.StageCommit{
		Stage:          stage,
		Result:         workflow.StatusSucceeded,
		Artifact:       output.Artifact,
		Retries:        retries,
		Advance:        advanceTo,
		WorkflowStatus: statusFor(advanceTo),
		Event: workflow.StageEvent{
			Stage:      stage,
			Action:     "act",
			Reasoning:  output.Reasoning,
			Confidence: output.Confidence,
			Timestamp:  time.Now().UTC(),
		},
	})
	if err != nil {
		return state, err
	}
	o.observeStage(stage, "succeeded", duration)
	return committed, nil
}

// executeWithRetry runs the executor, retrying recoverable failures.
func (o *Orchestrator) executeWithRetry(ctx context.Context, exec StageExecutor, state *workflow.State) (*StageOutput, int, error) {
	stage := exec.Stage()
	retries := 0

	for {
		output, err := exec.Execute(ctx, state)
		if err == nil {
			return output, retries, nil
		}
		if !IsRecoverable(err) {
			return nil, retries, err
		}
		if retries >= o.retry.MaxRetries {
			// Past the bound a recoverable error becomes critical.
			return nil, retries, NewCritical(stage,
				fmt.Errorf("retries exhausted after %d attempts: %w", retries+1, err))
		}
		retries++
		delay := o.retry.backoff(retries)
		o.logger.Warn("stage attempt failed, retrying",
			"workflow_id", state.ID,
			"stage", stage,
			"retry", retries,
			"backoff", delay,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, retries, ctx.Err()
		}
	}
}

// failStage commits a critical stage failure: terminal for critical
// stages (or strict runs), degraded-and-continue for degradable ones.
// advanceTo is where the degraded workflow continues.
func (o *Orchestrator) failStage(ctx context.Context, state *workflow.State, stage, advanceTo workflow.Stage, retries int, cause error) (*workflow.State, error) {
	event := workflow.StageEvent{
		Stage:     stage,
		Action:    "act_error",
		Reasoning: cause.Error(),
		Timestamp: time.Now().UTC(),
	}

	if degradable(stage) && !o.strict {
		o.logger.Warn("degradable stage failed, continuing degraded",
			"workflow_id", state.ID,
			"stage", stage,
			"error", cause)
		return o.commit(ctx, state, workflow.StageCommit{
			Stage:          stage,
			Result:         workflow.StatusFailed,
			Artifact:       truncate(cause.Error(), 200),
			Degraded:       true,
			Retries:        retries,
			Advance:        advanceTo,
			WorkflowStatus: statusFor(advanceTo),
			Event:          event,
		})
	}

	o.logger.Error("critical stage failure, workflow failed",
		"workflow_id", state.ID,
		"stage", stage,
		"error", cause)
	committed, err := o.commit(ctx, state, workflow.StageCommit{
		Stage:          stage,
		Result:         workflow.StatusFailed,
		Retries:        retries,
		Advance:        workflow.StageFailed,
		WorkflowStatus: workflow.StatusFailed,
		FailureKind:    workflow.FailureExecution,
		FailureNote:    truncate(cause.Error(), 500),
		Event:          event,
	})
	if err != nil {
		return committed, err
	}
	return committed, cause
}

// checkGate runs the risk assessment for the release candidate. A
// blocking level without an override commits RELEASE FAILED with the
// assessment attached and returns the terminal state.
func (o *Orchestrator) checkGate(ctx context.Context, state *workflow.State, opts RunOptions) (*workflow.State, error) {
	subject := releaseSubject(state)

	var assessment *risk.Assessment
	if o.gate != nil {
		assessment = o.gate.Assess(ctx, subject)
	} else {
		// No aggregator configured: fail closed, same as zero signals.
		assessment = &risk.Assessment{
			Subject:    subject,
			Signals:    map[string]risk.Signal{},
			Level:      risk.LevelUnknown,
			AssessedAt: time.Now().UTC(),
		}
	}

	if o.metrics != nil {
		o.metrics.AggregateScore.Observe(assessment.AggregateScore)
	}

	if !assessment.Level.Blocks() {
		o.recordGate(assessment, "allowed")
		o.appendEvent(ctx, state, gateEvent(assessment, "release gate passed"))
		return nil, nil
	}

	if opts.Override {
		o.recordGate(assessment, "overridden")
		o.logger.Warn("release gate overridden by operator",
			"workflow_id", state.ID,
			"level", assessment.Level,
			"score", assessment.AggregateScore)
		o.appendEvent(ctx, state, gateEvent(assessment, "release gate overridden by operator"))
		return nil, nil
	}

	o.recordGate(assessment, "blocked")
	artifact, err := json.Marshal(assessment)
	if err != nil {
		return state, fmt.Errorf("marshal assessment: %w", err)
	}

	gateErr := &GateBlockedError{Assessment: assessment}
	committed, cerr := o.commit(ctx, state, workflow.StageCommit{
		Stage:          workflow.StageRelease,
		Result:         workflow.StatusFailed,
		Artifact:       string(artifact),
		Advance:        workflow.StageFailed,
		WorkflowStatus: workflow.StatusFailed,
		FailureKind:    workflow.FailureGateBlocked,
		FailureNote:    gateErr.Error(),
		Event:          gateEvent(assessment, "release blocked by risk policy"),
	})
	if cerr != nil {
		return committed, cerr
	}
	o.logger.Warn("release blocked",
		"workflow_id", state.ID,
		"level", assessment.Level,
		"score", assessment.AggregateScore,
		"forced_critical", assessment.ForcedCritical)
	return committed, gateErr
}

// commitAbort records an operator abort observed at a stage boundary.
func (o *Orchestrator) commitAbort(ctx context.Context, state *workflow.State, stage workflow.Stage) (*workflow.State, error) {
	o.logger.Info("abort observed at stage boundary",
		"workflow_id", state.ID,
		"stage", stage)
	return o.commit(ctx, state, workflow.StageCommit{
		Stage:          stage,
		Result:         workflow.StatusFailed,
		Advance:        workflow.StageAborted,
		WorkflowStatus: workflow.StatusFailed,
		FailureKind:    workflow.FailureAborted,
		FailureNote:    "aborted before stage execution",
		Event: workflow.StageEvent{
			Stage:     stage,
			Action:    "update",
			Reasoning: "abort observed at stage boundary",
			Timestamp: time.Now().UTC(),
		},
	})
}

// commit persists a stage commit and mirrors the event to observers.
func (o *Orchestrator) commit(ctx context.Context, state *workflow.State, c workflow.StageCommit) (*workflow.State, error) {
	committed, err := o.store.CommitStage(ctx, state.ID, c)
	if err != nil {
		return state, fmt.Errorf("commit %s: %w", c.Stage, err)
	}
	if o.publisher != nil {
		o.publisher.PublishStageEvent(committed, c.Event)
	}
	return committed, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, state *workflow.State, ev workflow.StageEvent) {
	if err := o.store.AppendEvent(ctx, state.ID, ev); err != nil {
		o.logger.Warn("append event",
			"workflow_id", state.ID,
			"error", err)
	}
	if o.publisher != nil {
		o.publisher.PublishStageEvent(state, ev)
	}
}

func (o *Orchestrator) observeStage(stage workflow.Stage, result string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage.String(), result, d)
	}
}

func (o *Orchestrator) recordGate(a *risk.Assessment, decision string) {
	if o.metrics != nil {
		o.metrics.GateDecisions.WithLabelValues(string(a.Level), decision).Inc()
	}
}

// degradable stages fail soft: the workflow continues with a degraded
// flag instead of terminating.
func degradable(stage workflow.Stage) bool {
	switch stage {
	case workflow.StageAudit, workflow.StageVerification, workflow.StageTesting:
		return true
	}
	return false
}

// statusFor returns the workflow status after advancing to next.
func statusFor(next workflow.Stage) workflow.Status {
	if next == workflow.StageDone {
		return workflow.StatusSucceeded
	}
	return workflow.StatusInProgress
}

// releaseSubject picks what the gate assesses: the generated artifact
// reference, falling back to the goal when generation left none.
func releaseSubject(state *workflow.State) string {
	if ref := state.Artifacts[workflow.StageGeneration]; ref != "" {
		return strings.TrimPrefix(ref, workflow.DegradedArtifactPrefix)
	}
	return state.Goal
}

func gateEvent(a *risk.Assessment, reasoning string) workflow.StageEvent {
	return workflow.StageEvent{
		Stage:      workflow.StageRelease,
		Action:     "plan",
		Reasoning:  fmt.Sprintf("%s: level=%s score=%.1f conflict=%t", reasoning, a.Level, a.AggregateScore, a.Conflict),
		Confidence: 1,
		Timestamp:  time.Now().UTC(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
