package orchestrator

import (
	"errors"
	"fmt"

	"github.com/c360studio/forgegate/risk"
	"github.com/c360studio/forgegate/workflow"
)

// RecoverableStageError marks a transient stage failure (timeout, rate
// limit). The orchestrator retries it up to the configured bound, then
// escalates it to critical.
type RecoverableStageError struct {
	Stage workflow.Stage
	Err   error
}

func (e *RecoverableStageError) Error() string {
	return fmt.Sprintf("recoverable %s failure: %v", e.Stage, e.Err)
}

func (e *RecoverableStageError) Unwrap() error { return e.Err }

// NewRecoverable wraps err as a recoverable failure of stage.
func NewRecoverable(stage workflow.Stage, err error) *RecoverableStageError {
	return &RecoverableStageError{Stage: stage, Err: err}
}

// CriticalStageError marks a non-retryable stage failure: either an
// escalated recoverable error past its retry bound, or an inherently
// fatal one (malformed input, provider exhaustion).
type CriticalStageError struct {
	Stage workflow.Stage
	Err   error
}

func (e *CriticalStageError) Error() string {
	return fmt.Sprintf("critical %s failure: %v", e.Stage, e.Err)
}

func (e *CriticalStageError) Unwrap() error { return e.Err }

// NewCritical wraps err as a critical failure of stage.
func NewCritical(stage workflow.Stage, err error) *CriticalStageError {
	return &CriticalStageError{Stage: stage, Err: err}
}

// GateBlockedError is a policy decision, not an execution failure: the
// risk assessment blocked the release. Recorded distinctly so operators
// can tell "broken" from "blocked".
type GateBlockedError struct {
	Assessment *risk.Assessment
}

func (e *GateBlockedError) Error() string {
	return fmt.Sprintf("release blocked: risk level %s (score %.1f)",
		e.Assessment.Level, e.Assessment.AggregateScore)
}

// IsRecoverable reports whether err is (or wraps) a recoverable stage
// error.
func IsRecoverable(err error) bool {
	var r *RecoverableStageError
	return errors.As(err, &r)
}

// IsGateBlocked reports whether err is a gate policy block.
func IsGateBlocked(err error) bool {
	var g *GateBlockedError
	return errors.As(err, &g)
}
