package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/observability"
)

// maxFollowUps bounds how many fed-back inputs one Drive call may process.
const maxFollowUps = 4

// Config holds orchestrator configuration.
type Config struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator executes saga transitions against the Applications port.
type Orchestrator struct {
	apps     Applications
	notifier Notifier
	config   Config
	logger   *slog.Logger
}

// NewOrchestrator creates a saga orchestrator. notifier may be nil, in
// which case notifications are logged and dropped.
func NewOrchestrator(apps Applications, notifier Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		apps:     apps,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
	}
}

// run carries per-Drive bookkeeping.
type run struct {
	state       State
	causationID string
	// created holds interview ids booked in the current Drive, by step.
	created map[Step][]string
	// done records steps already counted as successful.
	done map[Step]bool
	// seatReserved is set once ReserveSeat succeeded in this Drive.
	seatReserved bool
}

// Drive advances the saga of applicationID with in.
//
// The aggregate snapshot is loaded before every transition. When an
// effect fails, the work of its step is compensated and a *StepError is
// returned alongside the COMPENSATED state.
func (o *Orchestrator) Drive(ctx context.Context, applicationID, correlationID string, in Input) (State, error) {
	return o.drive(ctx, applicationID, correlationID, "", in)
}

// DriveEvent is Drive for an input carried by env. Notifications record
// env as their cause.
func (o *Orchestrator) DriveEvent(ctx context.Context, env *envelope.Envelope, applicationID string, in Input) (State, error) {
	corr := env.CorrelationID
	if corr == "" {
		corr = env.EventID
	}
	return o.drive(ctx, applicationID, corr, env.EventID, in)
}

func (o *Orchestrator) drive(ctx context.Context, applicationID, correlationID, causationID string, in Input) (State, error) {
	r := &run{
		state: State{
			SagaID:        id.NewSagaID(),
			ApplicationID: applicationID,
			CorrelationID: correlationID,
			CurrentStep:   in.Entry(),
			StartedAt:     time.Now().UTC(),
		},
		causationID: causationID,
		created:     make(map[Step][]string),
		done:        make(map[Step]bool),
	}

	for i := 0; in != nil; i++ {
		if i > maxFollowUps {
			return r.state, fmt.Errorf("saga: drive %s: too many follow-up inputs", applicationID)
		}

		snap, err := o.apps.Snapshot(ctx, applicationID)
		if err != nil {
			return r.state, fmt.Errorf("saga: load snapshot %s: %w", applicationID, err)
		}
		if snap == nil {
			return r.state, fmt.Errorf("saga: load snapshot %s: empty response", applicationID)
		}

		var effects []Effect
		r.state, effects = Transition(r.state, *snap, in)

		in = nil
		for _, eff := range effects {
			follow, err := o.apply(ctx, r, *snap, eff)
			if err != nil {
				return o.fail(ctx, r, eff.StepOf(), err)
			}
			if follow != nil {
				in = follow
			}
		}
		o.succeeded(r, effects)
	}

	if r.state.CurrentStep.IsFinal() {
		now := time.Now().UTC()
		r.state.CompletedAt = &now
	}

	o.logger.InfoContext(ctx, "saga advanced",
		"saga_id", r.state.SagaID.String(),
		"application_id", applicationID,
		"correlation_id", correlationID,
		"step", r.state.CurrentStep,
	)
	return r.state, nil
}

// apply executes one effect. The returned input, if any, is fed back into
// the saga.
func (o *Orchestrator) apply(ctx context.Context, r *run, snap Snapshot, eff Effect) (in Input, err error) {
	step := eff.StepOf()
	appID := r.state.ApplicationID

	if o.config.Tracer != nil {
		var span trace.Span
		ctx, span = o.config.Tracer.StartSagaSpan(ctx, appID, string(step))
		defer func() { o.config.Tracer.EndSpan(span, "", err) }()
	}

	switch e := eff.(type) {
	case UpdateStatus:
		return nil, o.apps.UpdateStatus(ctx, appID, e.Status, e.Reason)

	case ScheduleInterview:
		interviewID, err := o.apps.ScheduleInterview(ctx, appID, e.Kind)
		if err != nil {
			return nil, err
		}
		r.created[step] = append(r.created[step], interviewID)
		r.state.ScheduledInterviews = append(r.state.ScheduledInterviews, interviewID)
		return nil, nil

	case CancelPendingInterviews:
		for _, iv := range snap.Interviews {
			if iv.Status != InterviewScheduled {
				continue
			}
			if err := o.apps.CancelInterview(ctx, iv.ID); err != nil {
				return nil, fmt.Errorf("cancel interview %s: %w", iv.ID, err)
			}
		}
		return nil, nil

	case ReserveSeat:
		ok, err := o.apps.ReserveSeat(ctx, appID)
		if err != nil {
			return nil, err
		}
		if ok {
			r.seatReserved = true
			return SeatReserved{}, nil
		}
		return SeatUnavailable{}, nil

	case QueueNotification:
		o.notify(ctx, r, e)
		return nil, nil
	}

	return nil, fmt.Errorf("saga: unknown effect %T", eff)
}

// notify queues a notification. Notification failures are logged and do
// not fail the step: the aggregate change they report has already happened.
func (o *Orchestrator) notify(ctx context.Context, r *run, e QueueNotification) {
	n := Notification{
		ApplicationID: r.state.ApplicationID,
		Kind:          e.Kind,
		Missing:       e.Missing,
		CorrelationID: r.state.CorrelationID,
		CausationID:   r.causationID,
	}
	if o.notifier == nil {
		o.logger.WarnContext(ctx, "no notifier configured, notification dropped",
			"application_id", n.ApplicationID,
			"kind", n.Kind,
		)
		return
	}
	if err := o.notifier.QueueNotification(ctx, n); err != nil {
		o.logger.ErrorContext(ctx, "notification not queued",
			"application_id", n.ApplicationID,
			"correlation_id", n.CorrelationID,
			"kind", n.Kind,
			"error", err,
		)
	}
}

// fail compensates step and returns the COMPENSATED state.
func (o *Orchestrator) fail(ctx context.Context, r *run, step Step, cause error) (State, error) {
	o.compensate(ctx, r, step)
	o.recordStep(step, true)

	r.state.CurrentStep = StepCompensated
	now := time.Now().UTC()
	r.state.CompletedAt = &now

	stepErr := &StepError{
		Step:          step,
		ApplicationID: r.state.ApplicationID,
		CorrelationID: r.state.CorrelationID,
		Cause:         cause,
	}
	o.logger.ErrorContext(ctx, "saga step failed, manual intervention required",
		"saga_id", r.state.SagaID.String(),
		"application_id", r.state.ApplicationID,
		"correlation_id", r.state.CorrelationID,
		"step", step,
		"error", cause,
	)
	return r.state, stepErr
}

// compensate undoes the work of step. Compensation failures are logged;
// the original failure is what gets reported.
func (o *Orchestrator) compensate(ctx context.Context, r *run, step Step) {
	appID := r.state.ApplicationID

	var errs []error
	switch step {
	case StepApprovalProcess, StepFinalApproval:
		if err := o.apps.UpdateStatus(ctx, appID, StatusUnderReview, "compensation: "+string(step)+" failed"); err != nil {
			errs = append(errs, err)
		}
		if step == StepFinalApproval && r.seatReserved {
			if err := o.apps.ReleaseSeat(ctx, appID); err != nil {
				errs = append(errs, fmt.Errorf("release seat: %w", err))
			} else {
				r.seatReserved = false
			}
		}
	case StepSchedulingInterviews, StepConditionalApproval:
		for _, interviewID := range r.created[step] {
			if err := o.apps.CancelInterview(ctx, interviewID); err != nil {
				errs = append(errs, fmt.Errorf("cancel interview %s: %w", interviewID, err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		o.logger.ErrorContext(ctx, "saga compensation failed",
			"application_id", appID,
			"correlation_id", r.state.CorrelationID,
			"step", step,
			"error", err,
		)
	}
}

func (o *Orchestrator) succeeded(r *run, effects []Effect) {
	for _, eff := range effects {
		step := eff.StepOf()
		if r.done[step] {
			continue
		}
		r.done[step] = true
		o.recordStep(step, false)
	}
}

func (o *Orchestrator) recordStep(step Step, failed bool) {
	if o.config.Metrics != nil {
		o.config.Metrics.RecordSagaStep(string(step), failed)
	}
}
