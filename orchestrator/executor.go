package orchestrator

import (
	"context"

	"github.com/c360studio/forgegate/workflow"
)

// StageOutput is what a stage executor hands back on success.
type StageOutput struct {
	// Artifact is the opaque reference recorded for the stage (file
	// path, report id, release ref).
	Artifact string

	// Reasoning and Confidence feed the stage event recorded with the
	// commit.
	Reasoning  string
	Confidence float64

	// Tools are the external calls made during the attempt; the
	// orchestrator appends them to the workflow log.
	Tools []workflow.ToolInvocation
}

// StageExecutor runs the work of one stage. Implementations signal
// transient failures with RecoverableStageError and fatal ones with
// CriticalStageError; any other error is treated as critical.
type StageExecutor interface {
	Stage() workflow.Stage
	Execute(ctx context.Context, state *workflow.State) (*StageOutput, error)
}

// executorSet maps stages to their executors.
type executorSet map[workflow.Stage]StageExecutor

func (s executorSet) add(e StageExecutor) {
	s[e.Stage()] = e
}
