package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/observability"
	"github.com/xraph/backbone/schema"
)

// Outcome is the result class of one Process call.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "failed"
)

// Result reports what Process did with an envelope.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Event   *Event  `json:"event,omitempty"`
	// Err is the handler failure behind RetryScheduled and Failed outcomes.
	Err error `json:"-"`
}

// SchemaValidator validates payloads against the registry.
type SchemaValidator interface {
	Validate(ctx context.Context, eventType, version string, payload json.RawMessage) error
}

// DeadLetter receives rows that exhausted their handler retries.
type DeadLetter interface {
	PushFailed(ctx context.Context, ev *Event) error
}

// Config holds processor configuration.
type Config struct {
	// MaxRetries is the handler retry budget when the envelope carries none.
	MaxRetries int

	// KeyTTL is how long business idempotency keys are remembered.
	KeyTTL time.Duration

	// RequireSchema rejects envelopes whose type has no registered schema.
	RequireSchema bool

	// LeaseTimeout bounds how long a row may stay PROCESSING. Past it the
	// retry sweep or a redelivery records the attempt as failed.
	LeaseTimeout time.Duration

	Backoff    Backoff
	Schemas    SchemaValidator
	DeadLetter DeadLetter
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// DefaultLeaseTimeout is the PROCESSING lease when Config leaves it unset.
const DefaultLeaseTimeout = 5 * time.Minute

// Processor runs envelopes through the inbox state machine.
type Processor struct {
	store    Store
	keys     KeyStore
	handlers *Registry
	config   Config
	logger   *slog.Logger
}

// NewProcessor creates an inbox processor.
func NewProcessor(store Store, keys KeyStore, handlers *Registry, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if handlers == nil {
		handlers = NewRegistry()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 7 * 24 * time.Hour
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	return &Processor{
		store:    store,
		keys:     keys,
		handlers: handlers,
		config:   cfg,
		logger:   logger,
	}
}

// Handlers returns the processor's handler registry.
func (p *Processor) Handlers() *Registry {
	return p.handlers
}

// Process records env and runs its handler at most once.
//
// Structural and schema validation failures are returned as errors and
// leave no row behind. Duplicates, unroutable events and handler failures
// are outcomes, not errors. A non-nil error otherwise means the store could
// not be reached and the delivery should be retried by the transport.
func (p *Processor) Process(ctx context.Context, env *envelope.Envelope) (res Result, err error) {
	if env == nil {
		return Result{}, &envelope.StructuralError{Fields: []string{"envelope"}}
	}
	if err := env.Validate(); err != nil {
		return Result{}, err
	}

	var span trace.Span
	if p.config.Tracer != nil {
		ctx, span = p.config.Tracer.StartInboxSpan(ctx, env.EventID, env.EventType, env.CorrelationID)
		defer func() { p.config.Tracer.EndSpan(span, string(res.Outcome), err) }()
	}

	if err := p.validateSchema(ctx, env); err != nil {
		return Result{}, err
	}

	existing, err := p.store.GetInboxEvent(ctx, env.EventID)
	switch {
	case err == nil:
		return p.redelivered(ctx, existing, env)
	case !errors.Is(err, ErrEventNotFound):
		return Result{}, fmt.Errorf("inbox: lookup %s: %w", env.EventID, err)
	}

	ev, err := p.newEvent(env)
	if err != nil {
		return Result{}, err
	}
	if err := p.store.InsertInboxEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return p.duplicate(ctx, ev, "concurrent delivery"), nil
		}
		return Result{}, fmt.Errorf("inbox: insert %s: %w", env.EventID, err)
	}

	if env.Expired(time.Now()) {
		return p.finishWithout(ctx, ev, StatusReceived, "envelope expired")
	}

	return p.execute(ctx, ev, env, StatusReceived)
}

// Retry re-runs the handler of a FAILED or RETRY_SCHEDULED row now.
func (p *Processor) Retry(ctx context.Context, eventID string) (Result, error) {
	ev, err := p.store.GetInboxEvent(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	if ev.Status != StatusFailed && ev.Status != StatusRetryScheduled {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, eventID, ev.Status)
	}

	env, err := envelope.Parse(ev.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("inbox: decode stored envelope %s: %w", eventID, err)
	}

	p.logger.InfoContext(ctx, "manual retry",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"status", ev.Status,
		"retry_count", ev.RetryCount,
	)

	return p.execute(ctx, ev, env, ev.Status)
}

// RetryDue reclaims rows whose PROCESSING lease expired before now, then
// re-runs the handlers of up to limit RETRY_SCHEDULED rows whose
// NextRetryAt has passed. It returns the number of rows attempted.
func (p *Processor) RetryDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := p.ReclaimExpired(ctx, now, limit); err != nil {
		return 0, err
	}

	due, err := p.store.ListDueRetries(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("inbox: list due retries: %w", err)
	}

	attempted := 0
	for _, ev := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}

		env, err := envelope.Parse(ev.Payload)
		if err != nil {
			p.logger.ErrorContext(ctx, "stored envelope unreadable",
				"event_id", ev.EventID, "error", err)
			continue
		}

		if _, err := p.execute(ctx, ev, env, StatusRetryScheduled); err != nil {
			p.logger.ErrorContext(ctx, "retry failed",
				"event_id", ev.EventID, "event_type", ev.EventType, "error", err)
			continue
		}
		attempted++
	}

	return attempted, nil
}

// ReclaimExpired records a failed attempt for up to limit rows that have
// been PROCESSING for longer than the lease timeout at now. Each row moves
// to RETRY_SCHEDULED or, with its budget spent, to FAILED.
func (p *Processor) ReclaimExpired(ctx context.Context, now time.Time, limit int) error {
	stale, err := p.store.ListExpiredLeases(ctx, now.Add(-p.config.LeaseTimeout), limit)
	if err != nil {
		return fmt.Errorf("inbox: list expired leases: %w", err)
	}

	for _, ev := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := p.reclaim(ctx, ev); err != nil && !errors.Is(err, ErrStaleTransition) {
			p.logger.ErrorContext(ctx, "reclaim failed",
				"event_id", ev.EventID, "event_type", ev.EventType, "error", err)
		}
	}
	return nil
}

func (p *Processor) reclaim(ctx context.Context, ev *Event) (Result, error) {
	p.logger.WarnContext(ctx, "processing lease expired",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"correlation_id", ev.CorrelationID,
		"processing_started_at", ev.ProcessingStartedAt,
	)
	return p.failed(ctx, ev, &HandlerError{EventID: ev.EventID, EventType: ev.EventType, Cause: ErrLeaseExpired}, 0)
}

func (p *Processor) validateSchema(ctx context.Context, env *envelope.Envelope) error {
	if p.config.Schemas == nil {
		return nil
	}

	err := p.config.Schemas.Validate(ctx, env.EventType, env.EventVersion, env.Data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, schema.ErrSchemaNotFound) && !p.config.RequireSchema:
		return nil
	default:
		p.logger.WarnContext(ctx, "envelope rejected by schema",
			"event_id", env.EventID,
			"event_type", env.EventType,
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		return err
	}
}

func (p *Processor) newEvent(env *envelope.Envelope) (*Event, error) {
	raw, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("inbox: encode envelope %s: %w", env.EventID, err)
	}
	return &Event{
		EventID:       env.EventID,
		EventType:     env.EventType,
		EventVersion:  env.EventVersion,
		CorrelationID: env.CorrelationID,
		Source:        env.Source,
		PayloadHash:   env.PayloadHash(),
		Payload:       raw,
		Status:        StatusReceived,
		MaxRetries:    env.MaxRetries(p.config.MaxRetries),
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

func (p *Processor) redelivered(ctx context.Context, ev *Event, env *envelope.Envelope) (Result, error) {
	if hash := env.PayloadHash(); hash != ev.PayloadHash {
		p.logger.WarnContext(ctx, "redelivery carries a different payload",
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"correlation_id", ev.CorrelationID,
		)
	}

	if ev.LeaseExpired(time.Now(), p.config.LeaseTimeout) {
		if _, err := p.reclaim(ctx, ev); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return p.duplicate(ctx, ev, "claimed by another worker"), nil
			}
			return Result{}, err
		}
	}

	if (ev.Status == StatusRetryScheduled || ev.Status == StatusFailed) && ev.Retryable() {
		return p.execute(ctx, ev, env, ev.Status)
	}

	return p.duplicate(ctx, ev, "already "+string(ev.Status)), nil
}

// execute runs steps 3 to 6: handler lookup, PROCESSING, business key
// check, handler invocation and the resulting transition.
func (p *Processor) execute(ctx context.Context, ev *Event, env *envelope.Envelope, from Status) (Result, error) {
	h, ok := p.handlers.Lookup(ev.EventType)
	if !ok && from == StatusReceived {
		return p.finishWithout(ctx, ev, from, "no handler registered")
	}

	// Millisecond precision survives every store, so the lease compares exactly.
	started := time.Now().UTC().Truncate(time.Millisecond)
	ev.Status = StatusProcessing
	ev.ProcessingStartedAt = &started
	ev.NextRetryAt = nil
	if err := p.store.TransitionInboxEvent(ctx, ev, from); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return p.duplicate(ctx, ev, "claimed by another worker"), nil
		}
		return Result{}, fmt.Errorf("inbox: claim %s: %w", ev.EventID, err)
	}

	if !ok {
		return p.finishWithout(ctx, ev, StatusProcessing, "no handler registered")
	}

	if k, isKeyed := h.(Keyed); isKeyed && p.keys != nil {
		key, err := k.IdempotencyKey(env)
		if err != nil {
			return p.failed(ctx, ev, &HandlerError{EventID: ev.EventID, EventType: ev.EventType, Cause: err}, 0)
		}
		ev.IdempotencyKey = key
		if key != "" {
			done, err := p.keys.IsKeyProcessed(ctx, key)
			if err != nil {
				return p.failed(ctx, ev, &HandlerError{EventID: ev.EventID, EventType: ev.EventType, Cause: err}, 0)
			}
			if done {
				now := time.Now().UTC()
				ev.Status = StatusDuplicateDetected
				ev.ProcessingCompletedAt = &now
				if err := p.store.TransitionInboxEvent(ctx, ev, StatusProcessing); err != nil {
					return Result{}, fmt.Errorf("inbox: mark duplicate %s: %w", ev.EventID, err)
				}
				return p.duplicate(ctx, ev, "business key "+key+" already processed"), nil
			}
		}
	}

	result, herr := p.invoke(ctx, h, env)
	elapsed := time.Since(started).Seconds()
	if herr != nil {
		return p.failed(ctx, ev, herr, elapsed)
	}

	return p.completed(ctx, ev, result, elapsed)
}

func (p *Processor) invoke(ctx context.Context, h Handler, env *envelope.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{EventID: env.EventID, EventType: env.EventType, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = h.Handle(ctx, env)
	if err != nil {
		return nil, &HandlerError{EventID: env.EventID, EventType: env.EventType, Cause: err}
	}
	return result, nil
}

func (p *Processor) completed(ctx context.Context, ev *Event, result any, elapsed float64) (Result, error) {
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return p.failed(ctx, ev, &HandlerError{EventID: ev.EventID, EventType: ev.EventType, Cause: fmt.Errorf("encode result: %w", err)}, elapsed)
		}
		ev.Result = raw
	}

	now := time.Now().UTC()
	ev.Status = StatusCompleted
	ev.ProcessingCompletedAt = &now
	ev.ErrorMessage = ""
	if err := p.store.TransitionInboxEvent(ctx, ev, StatusProcessing); err != nil {
		return Result{}, fmt.Errorf("inbox: complete %s: %w", ev.EventID, err)
	}

	if ev.IdempotencyKey != "" {
		if err := p.keys.MarkKeyProcessed(ctx, ev.IdempotencyKey, ev.EventID, p.config.KeyTTL); err != nil {
			p.logger.ErrorContext(ctx, "mark idempotency key failed",
				"event_id", ev.EventID, "key", ev.IdempotencyKey, "error", err)
		}
	}

	p.record(OutcomeCompleted, elapsed)
	p.logger.DebugContext(ctx, "event processed",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"correlation_id", ev.CorrelationID,
	)

	return Result{Outcome: OutcomeCompleted, Event: ev}, nil
}

func (p *Processor) failed(ctx context.Context, ev *Event, herr error, elapsed float64) (Result, error) {
	now := time.Now().UTC()
	ev.RetryCount++
	ev.ErrorMessage = herr.Error()

	outcome := OutcomeRetryScheduled
	if ev.RetryCount >= ev.MaxRetries || errors.Is(herr, ErrPermanent) {
		outcome = OutcomeFailed
		ev.Status = StatusFailed
		ev.ProcessingCompletedAt = &now
		ev.NextRetryAt = nil
	} else {
		next := p.config.Backoff.Next(now, ev.RetryCount)
		ev.Status = StatusRetryScheduled
		ev.NextRetryAt = &next
	}

	if err := p.store.TransitionInboxEvent(ctx, ev, StatusProcessing); err != nil {
		return Result{}, fmt.Errorf("inbox: record failure %s: %w", ev.EventID, err)
	}

	p.record(outcome, elapsed)

	if outcome == OutcomeFailed {
		p.logger.ErrorContext(ctx, "event failed permanently",
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"correlation_id", ev.CorrelationID,
			"retry_count", ev.RetryCount,
			"error", herr,
		)
		if p.config.DeadLetter != nil {
			if err := p.config.DeadLetter.PushFailed(ctx, ev); err != nil {
				p.logger.ErrorContext(ctx, "push to DLQ failed",
					"event_id", ev.EventID, "error", err)
			}
		}
	} else {
		p.logger.WarnContext(ctx, "handler failed, retry scheduled",
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"correlation_id", ev.CorrelationID,
			"retry_count", ev.RetryCount,
			"next_retry_at", ev.NextRetryAt,
			"error", herr,
		)
	}

	return Result{Outcome: outcome, Event: ev, Err: herr}, nil
}

// finishWithout moves ev to SKIPPED without running a handler.
func (p *Processor) finishWithout(ctx context.Context, ev *Event, from Status, reason string) (Result, error) {
	now := time.Now().UTC()
	ev.Status = StatusSkipped
	ev.ProcessingCompletedAt = &now
	ev.ErrorMessage = reason
	if err := p.store.TransitionInboxEvent(ctx, ev, from); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return p.duplicate(ctx, ev, "claimed by another worker"), nil
		}
		return Result{}, fmt.Errorf("inbox: skip %s: %w", ev.EventID, err)
	}

	p.record(OutcomeSkipped, 0)
	p.logger.InfoContext(ctx, "event skipped",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"reason", reason,
	)

	return Result{Outcome: OutcomeSkipped, Event: ev}, nil
}

func (p *Processor) duplicate(ctx context.Context, ev *Event, reason string) Result {
	p.record(OutcomeDuplicate, 0)
	p.logger.DebugContext(ctx, "duplicate event",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"correlation_id", ev.CorrelationID,
		"reason", reason,
	)
	return Result{Outcome: OutcomeDuplicate, Event: ev}
}

func (p *Processor) record(outcome Outcome, elapsed float64) {
	if p.config.Metrics != nil {
		p.config.Metrics.RecordOutcome(string(outcome), elapsed)
	}
}
