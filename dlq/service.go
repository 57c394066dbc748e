// Package dlq keeps a triage record of inbox events that reached FAILED and
// lets operators replay them through the inbox.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/internal/entity"
	"github.com/xraph/backbone/observability"
)

// Replayer re-runs a failed inbox event.
type Replayer interface {
	Retry(ctx context.Context, eventID string) (inbox.Result, error)
}

// Service manages the dead letter queue.
type Service struct {
	store    Store
	replayer Replayer
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewService creates a new DLQ service.
func NewService(store Store, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// SetReplayer wires the inbox processor. The processor itself depends on
// the service as its DeadLetter, so the link is made after construction.
func (svc *Service) SetReplayer(r Replayer) {
	svc.replayer = r
}

// PushFailed creates a DLQ entry from a FAILED inbox row. Implements inbox.DeadLetter.
func (svc *Service) PushFailed(ctx context.Context, ev *inbox.Event) error {
	failedAt := time.Now().UTC()
	if ev.ProcessingCompletedAt != nil {
		failedAt = *ev.ProcessingCompletedAt
	}

	entry := &Entry{
		Entity:        entity.New(),
		ID:            id.NewDLQID(),
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		CorrelationID: ev.CorrelationID,
		Source:        ev.Source,
		Payload:       ev.Payload,
		Error:         ev.ErrorMessage,
		RetryCount:    ev.RetryCount,
		FailedAt:      failedAt,
	}

	if err := svc.store.Push(ctx, entry); err != nil {
		return fmt.Errorf("dlq: push %s: %w", ev.EventID, err)
	}

	svc.refreshSize(ctx)
	return nil
}

// List returns DLQ entries matching the given options.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return svc.store.ListDLQ(ctx, opts)
}

// Get returns a DLQ entry by ID.
func (svc *Service) Get(ctx context.Context, dlqID id.ID) (*Entry, error) {
	return svc.store.GetDLQ(ctx, dlqID)
}

// Replay triggers a manual inbox retry for the entry's event and stamps
// the entry as replayed. The entry is kept; a new failure adds a new entry.
func (svc *Service) Replay(ctx context.Context, dlqID id.ID) (inbox.Result, error) {
	if svc.replayer == nil {
		return inbox.Result{}, fmt.Errorf("dlq: replay %s: no replayer configured", dlqID)
	}

	entry, err := svc.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return inbox.Result{}, err
	}

	if err := svc.store.MarkReplayed(ctx, dlqID, time.Now().UTC()); err != nil {
		return inbox.Result{}, fmt.Errorf("dlq: mark replayed %s: %w", dlqID, err)
	}

	res, err := svc.replayer.Retry(ctx, entry.EventID)
	if err != nil {
		return inbox.Result{}, fmt.Errorf("dlq: replay %s: %w", dlqID, err)
	}

	svc.logger.InfoContext(ctx, "dlq entry replayed",
		"dlq_id", dlqID,
		"event_id", entry.EventID,
		"correlation_id", entry.CorrelationID,
		"outcome", res.Outcome,
	)

	return res, nil
}

// Purge removes entries that failed before the cutoff.
func (svc *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := svc.store.Purge(ctx, before)
	if err != nil {
		return 0, err
	}
	svc.refreshSize(ctx)
	return n, nil
}

// Count returns the total number of DLQ entries.
func (svc *Service) Count(ctx context.Context) (int64, error) {
	return svc.store.CountDLQ(ctx)
}

func (svc *Service) refreshSize(ctx context.Context) {
	if svc.metrics == nil {
		return
	}
	if n, err := svc.store.CountDLQ(ctx); err == nil {
		svc.metrics.DLQSize.Set(float64(n))
	}
}
