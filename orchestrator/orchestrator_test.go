package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/forgegate/risk"
	"github.com/c360studio/forgegate/workflow"
)

// stubExecutor counts executions and plays back scripted errors.
type stubExecutor struct {
	stage    workflow.Stage
	calls    int
	errs     []error // consumed per call; nil entry means success
	artifact string
}

func (s *stubExecutor) Stage() workflow.Stage { return s.stage }

func (s *stubExecutor) Execute(ctx context.Context, state *workflow.State) (*StageOutput, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	artifact := s.artifact
	if artifact == "" {
		artifact = string(s.stage) + "-output"
	}
	return &StageOutput{Artifact: artifact, Reasoning: "ok", Confidence: 1}, nil
}

// scoredCollector returns a fixed signal.
type scoredCollector struct {
	name   string
	signal risk.Signal
}

func (c scoredCollector) Name() string { return c.name }

func (c scoredCollector) Assess(ctx context.Context, subject string) (*risk.Signal, error) {
	sig := c.signal
	return &sig, nil
}

func lowRiskGate(t *testing.T) *risk.Aggregator {
	t.Helper()
	reg := risk.NewRegistry()
	reg.Register(scoredCollector{name: "stub", signal: risk.Signal{Score: 5, Confidence: 1}})
	return risk.NewAggregator(reg, risk.DefaultConfig())
}

func highRiskGate(t *testing.T) *risk.Aggregator {
	t.Helper()
	reg := risk.NewRegistry()
	reg.Register(scoredCollector{name: "stub", signal: risk.Signal{Score: 70, Confidence: 1}})
	return risk.NewAggregator(reg, risk.DefaultConfig())
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}
}

func newStore(t *testing.T) workflow.Store {
	t.Helper()
	store, err := workflow.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func allStagesOK() (map[workflow.Stage]*stubExecutor, []Option) {
	stubs := map[workflow.Stage]*stubExecutor{}
	var opts []Option
	for _, stage := range workflow.ExecutableStages() {
		stub := &stubExecutor{stage: stage}
		stubs[stage] = stub
		opts = append(opts, WithExecutor(stub))
	}
	return stubs, opts
}

func TestRunHappyPathReachesDone(t *testing.T) {
	stubs, opts := allStagesOK()
	opts = append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDone, state.CurrentStage)
	assert.Equal(t, workflow.StatusSucceeded, state.Status)
	for stage, stub := range stubs {
		assert.Equal(t, 1, stub.calls, "stage %s", stage)
	}
	assert.NotEmpty(t, state.Artifacts[workflow.StageRelease])
}

func TestRecoverableErrorRetriedThenSucceeds(t *testing.T) {
	stubs, opts := allStagesOK()
	gen := stubs[workflow.StageGeneration]
	gen.errs = []error{
		NewRecoverable(workflow.StageGeneration, errors.New("rate limited")),
		nil,
	}
	opts = append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDone, state.CurrentStage)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 1, state.RetryCount[workflow.StageGeneration])
}

func TestRetriesExhaustedFailsCriticalStage(t *testing.T) {
	stubs, opts := allStagesOK()
	gen := stubs[workflow.StageGeneration]
	gen.errs = []error{
		NewRecoverable(workflow.StageGeneration, errors.New("down")),
		NewRecoverable(workflow.StageGeneration, errors.New("down")),
		NewRecoverable(workflow.StageGeneration, errors.New("down")),
		NewRecoverable(workflow.StageGeneration, errors.New("down")),
	}
	opts = append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, workflow.StageFailed, state.CurrentStage)
	assert.Equal(t, workflow.FailureExecution, state.FailureKind)
	assert.Equal(t, 3, gen.calls) // first attempt + MaxRetries
	assert.Zero(t, stubs[workflow.StageAudit].calls)
}

func TestDegradableStageFailureContinues(t *testing.T) {
	stubs, opts := allStagesOK()
	stubs[workflow.StageAudit].errs = []error{
		NewCritical(workflow.StageAudit, errors.New("analyzer crashed")),
	}
	opts = append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDone, state.CurrentStage)
	assert.True(t, state.IsDegraded(workflow.StageAudit))
	assert.Contains(t, state.Artifacts[workflow.StageAudit], workflow.DegradedArtifactPrefix)
	assert.Equal(t, 1, stubs[workflow.StageRelease].calls)
}

func TestStrictPromotesDegradableFailure(t *testing.T) {
	stubs, opts := allStagesOK()
	stubs[workflow.StageAudit].errs = []error{
		NewCritical(workflow.StageAudit, errors.New("analyzer crashed")),
	}
	opts = append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()), WithStrict(true))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, workflow.StageFailed, state.CurrentStage)
	assert.Zero(t, stubs[workflow.StageRelease].calls)
}

func TestGateBlocksHighRiskWithoutOverride(t *testing.T) {
	stubs, opts := allStagesOK()
	opts = append(opts, WithGate(highRiskGate(t)), WithRetryPolicy(fastRetry()))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.Error(t, err)
	assert.True(t, IsGateBlocked(err))
	assert.Equal(t, workflow.StageFailed, state.CurrentStage)
	assert.Equal(t, workflow.StatusFailed, state.Status)
	assert.Equal(t, workflow.FailureGateBlocked, state.FailureKind)
	assert.Zero(t, stubs[workflow.StageRelease].calls, "release must never execute when blocked")

	// The triggering assessment rides along as the RELEASE artifact.
	var assessment risk.Assessment
	require.NoError(t, json.Unmarshal([]byte(state.Artifacts[workflow.StageRelease]), &assessment))
	assert.Equal(t, risk.LevelHigh, assessment.Level)
	assert.NotEmpty(t, assessment.Signals)
}

func TestGateOverrideAllowsRelease(t *testing.T) {
	stubs, opts := allStagesOK()
	opts = append(opts, WithGate(highRiskGate(t)), WithRetryPolicy(fastRetry()))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{Override: true})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDone, state.CurrentStage)
	assert.Equal(t, 1, stubs[workflow.StageRelease].calls)
}

func TestNoGateFailsClosed(t *testing.T) {
	_, opts := allStagesOK()
	opts = append(opts, WithRetryPolicy(fastRetry()))
	o := New(newStore(t), opts...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.Error(t, err)
	require.True(t, IsGateBlocked(err))
	var gateErr *GateBlockedError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, risk.LevelUnknown, gateErr.Assessment.Level)
	assert.Equal(t, workflow.StageFailed, state.CurrentStage)
}

func TestResumeStartsAtCurrentStage(t *testing.T) {
	store := newStore(t)

	// First process: generation dies after INPUT_PARSING and
	// GENERATION have committed.
	stubs, opts := allStagesOK()
	stubs[workflow.StageAudit].errs = []error{
		NewRecoverable(workflow.StageAudit, errors.New("transient")),
		NewRecoverable(workflow.StageAudit, errors.New("transient")),
		NewRecoverable(workflow.StageAudit, errors.New("transient")),
	}
	o := New(store, append(opts,
		WithGate(lowRiskGate(t)),
		WithRetryPolicy(RetryPolicy{MaxRetries: 0, BackoffBase: time.Millisecond, BackoffMultiplier: 1}))...)

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.NoError(t, err) // audit degrades, run completes
	id := state.ID
	assert.Equal(t, workflow.StageDone, state.CurrentStage)

	// Fresh orchestrator over the same store: terminal workflows do
	// not resume.
	o2 := New(store, opts...)
	_, err = o2.Resume(context.Background(), id, RunOptions{})
	assert.ErrorIs(t, err, workflow.ErrTerminal)
}

func TestResumeAfterRestartSkipsCompletedStages(t *testing.T) {
	store := newStore(t)

	// Simulate a run that committed INPUT_PARSING and GENERATION and
	// then crashed: commit those stages directly.
	state, err := store.Create(context.Background(), "produce X")
	require.NoError(t, err)
	for _, stage := range []workflow.Stage{workflow.StageInputParsing, workflow.StageGeneration} {
		next, _ := stage.Next()
		_, err = store.CommitStage(context.Background(), state.ID, workflow.StageCommit{
			Stage:          stage,
			Result:         workflow.StatusSucceeded,
			Artifact:       string(stage) + "-artifact",
			Advance:        next,
			WorkflowStatus: workflow.StatusInProgress,
			Event:          workflow.StageEvent{Stage: stage, Action: "act", Timestamp: time.Now().UTC()},
		})
		require.NoError(t, err)
	}

	stubs, opts := allStagesOK()
	o := New(store, append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()))...)

	resumed, err := o.Resume(context.Background(), state.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDone, resumed.CurrentStage)
	assert.Zero(t, stubs[workflow.StageInputParsing].calls, "completed stage re-executed")
	assert.Zero(t, stubs[workflow.StageGeneration].calls, "completed stage re-executed")
	assert.Equal(t, 1, stubs[workflow.StageAudit].calls)
}

func TestResumeForceReExecutesSucceededStage(t *testing.T) {
	store := newStore(t)

	state, err := store.Create(context.Background(), "produce X")
	require.NoError(t, err)
	for _, stage := range []workflow.Stage{workflow.StageInputParsing, workflow.StageGeneration} {
		next, _ := stage.Next()
		_, err = store.CommitStage(context.Background(), state.ID, workflow.StageCommit{
			Stage:          stage,
			Result:         workflow.StatusSucceeded,
			Artifact:       string(stage) + "-artifact",
			Advance:        next,
			WorkflowStatus: workflow.StatusInProgress,
			Event:          workflow.StageEvent{Stage: stage, Action: "act", Timestamp: time.Now().UTC()},
		})
		require.NoError(t, err)
	}

	stubs, opts := allStagesOK()
	o := New(store, append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()))...)

	resumed, err := o.Resume(context.Background(), state.ID, RunOptions{
		Force: map[workflow.Stage]bool{workflow.StageGeneration: true},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDone, resumed.CurrentStage)
	assert.Equal(t, 1, stubs[workflow.StageGeneration].calls, "forced stage must re-execute")
	assert.Zero(t, stubs[workflow.StageInputParsing].calls, "unforced completed stage re-executed")
	// The re-run replaced the stale artifact and appended fresh history.
	assert.Equal(t, "generation-output", resumed.Artifacts[workflow.StageGeneration])
	assert.Equal(t, 1, stubs[workflow.StageAudit].calls)
}

func TestForcedReleaseReRunIsStillGated(t *testing.T) {
	store := newStore(t)

	state, err := store.Create(context.Background(), "produce X")
	require.NoError(t, err)
	for _, stage := range []workflow.Stage{
		workflow.StageInputParsing, workflow.StageGeneration,
		workflow.StageAudit, workflow.StageRelease,
	} {
		next, _ := stage.Next()
		_, err = store.CommitStage(context.Background(), state.ID, workflow.StageCommit{
			Stage:          stage,
			Result:         workflow.StatusSucceeded,
			Artifact:       string(stage) + "-artifact",
			Advance:        next,
			WorkflowStatus: workflow.StatusInProgress,
			Event:          workflow.StageEvent{Stage: stage, Action: "act", Timestamp: time.Now().UTC()},
		})
		require.NoError(t, err)
	}

	stubs, opts := allStagesOK()
	o := New(store, append(opts, WithGate(highRiskGate(t)), WithRetryPolicy(fastRetry()))...)

	final, err := o.Resume(context.Background(), state.ID, RunOptions{
		Force: map[workflow.Stage]bool{workflow.StageRelease: true},
	})
	require.Error(t, err)
	assert.True(t, IsGateBlocked(err))
	assert.Equal(t, workflow.StageFailed, final.CurrentStage)
	assert.Equal(t, workflow.FailureGateBlocked, final.FailureKind)
	assert.Zero(t, stubs[workflow.StageRelease].calls, "blocked re-run must not publish again")
}

func TestAbortObservedAtStageBoundary(t *testing.T) {
	store := newStore(t)
	stubs, opts := allStagesOK()

	o := New(store, append(opts, WithGate(lowRiskGate(t)), WithRetryPolicy(fastRetry()))...)

	// Abort before the run starts: the first boundary observes it.
	state, err := store.Create(context.Background(), "produce X")
	require.NoError(t, err)
	o.Abort(state.ID)

	final, err := o.Resume(context.Background(), state.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAborted, final.CurrentStage)
	assert.Equal(t, workflow.FailureAborted, final.FailureKind)
	assert.Zero(t, stubs[workflow.StageInputParsing].calls)
}

func TestMissingExecutorIsCriticalFailure(t *testing.T) {
	o := New(newStore(t),
		WithExecutor(&stubExecutor{stage: workflow.StageInputParsing}),
		WithRetryPolicy(fastRetry()))

	state, err := o.Run(context.Background(), "produce X", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, workflow.StageFailed, state.CurrentStage)
	assert.Equal(t, workflow.FailureExecution, state.FailureKind)
}
