// Package events mirrors workflow stage events onto NATS subjects for
// external observers. Publishing is best-effort: a nil connection skips
// it, and publish failures never fail the workflow.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/forgegate/workflow"
)

// SubjectPrefix is the root of the workflow event subject space.
// Events land on forgegate.workflow.<id>.<stage>.
const SubjectPrefix = "forgegate.workflow"

// StageEventMessage is the wire form of a published stage event.
type StageEventMessage struct {
	WorkflowID string              `json:"workflow_id"`
	Goal       string              `json:"goal,omitempty"`
	Event      workflow.StageEvent `json:"event"`
	Published  time.Time           `json:"published"`
}

// Publisher writes stage events to NATS.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher creates a stage event publisher. nc may be nil, in which
// case every publish is a no-op.
func NewPublisher(nc *nats.Conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, logger: logger}
}

// PublishStageEvent mirrors one stage event. Errors are logged, not
// returned: observers are optional and must not stall the engine.
func (p *Publisher) PublishStageEvent(state *workflow.State, event workflow.StageEvent) {
	if p == nil || p.nc == nil {
		return
	}

	msg := StageEventMessage{
		WorkflowID: state.ID,
		Goal:       state.Goal,
		Event:      event,
		Published:  time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("marshal stage event", "error", err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", SubjectPrefix, state.ID, event.Stage)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish stage event",
			"subject", subject,
			"error", err)
	}
}
