package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/inbox"
)

// Event types consumed by the saga.
const (
	EventEvaluationCompleted  = "evaluation.completed"
	EventInterviewCompleted   = "interview.completed"
	EventApplicationSubmitted = "application.submitted"
	EventInterviewScheduled   = "interview.scheduled"
)

// payload is the union of the fields the saga reads from its events.
type payload struct {
	ApplicationID string `json:"applicationId"`
	EvaluationID  string `json:"evaluationId,omitempty"`
	InterviewID   string `json:"interviewId,omitempty"`
	OverallPassed *bool  `json:"overallPassed,omitempty"`
}

func decode(env *envelope.Envelope) (payload, error) {
	var p payload
	if err := env.DecodeData(&p); err != nil {
		return p, err
	}
	if p.ApplicationID == "" {
		return p, fmt.Errorf("saga: %s %s: missing applicationId", env.EventType, env.EventID)
	}
	return p, nil
}

// driver adapts one event type to Orchestrator.DriveEvent.
type driver struct {
	orch  *Orchestrator
	input func(p payload) (Input, error)
	// ref picks the business reference for the idempotency key.
	ref func(p payload) string
}

func (d *driver) Handle(ctx context.Context, env *envelope.Envelope) (any, error) {
	p, err := decode(env)
	if err != nil {
		return nil, err
	}
	in, err := d.input(p)
	if err != nil {
		return nil, err
	}

	state, err := d.orch.DriveEvent(ctx, env, p.ApplicationID, in)
	if errors.Is(err, ErrSagaStepFailed) {
		// Compensated: the row fails without a retry ladder and the business
		// key stays unmarked, so a redelivery or DLQ replay drives it again.
		return nil, inbox.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// IdempotencyKey implements inbox.Keyed.
func (d *driver) IdempotencyKey(env *envelope.Envelope) (string, error) {
	p, err := decode(env)
	if err != nil {
		return "", err
	}
	ref := d.ref(p)
	if ref == "" {
		ref = env.EventID
	}
	return env.EventType + ":" + p.ApplicationID + ":" + ref, nil
}

// Handlers returns the inbox handlers that drive orch, keyed by event type.
// Submitted applications and scheduled interviews do not advance the saga
// and are acknowledged with a log line.
func Handlers(orch *Orchestrator) map[string]inbox.Handler {
	return map[string]inbox.Handler{
		EventEvaluationCompleted: &driver{
			orch: orch,
			input: func(p payload) (Input, error) {
				if p.OverallPassed == nil {
					return nil, errors.New("saga: evaluation.completed: missing overallPassed")
				}
				return EvaluationsCompleted{OverallPassed: *p.OverallPassed}, nil
			},
			ref: func(p payload) string { return p.EvaluationID },
		},
		EventInterviewCompleted: &driver{
			orch:  orch,
			input: func(payload) (Input, error) { return InterviewsCompleted{}, nil },
			ref:   func(p payload) string { return p.InterviewID },
		},
		EventApplicationSubmitted: ignore(orch),
		EventInterviewScheduled:   ignore(orch),
	}
}

// Register binds Handlers(orch) into reg.
func Register(reg *inbox.Registry, orch *Orchestrator) error {
	for eventType, h := range Handlers(orch) {
		if err := reg.Register(eventType, h); err != nil {
			return err
		}
	}
	return nil
}

func ignore(orch *Orchestrator) inbox.Handler {
	return inbox.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (any, error) {
		orch.logger.DebugContext(ctx, "event does not advance the saga",
			"event_id", env.EventID,
			"event_type", env.EventType,
			"correlation_id", env.CorrelationID,
		)
		return nil, nil
	})
}
