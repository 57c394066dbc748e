package backbone

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xraph/backbone/api"
	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/notify"
	"github.com/xraph/backbone/saga"
	"github.com/xraph/backbone/schema"
	"github.com/xraph/backbone/store"
	"github.com/xraph/backbone/topology"
)

// wireServices initializes the internal services after options have been applied.
func (b *Backbone) wireServices() error {
	topo, err := topology.Build(b.config.Topology)
	if err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	b.topo = topo

	b.schemas = schema.NewRegistry(b.store, schema.Config{
		CacheTTL: b.config.SchemaCacheTTL,
		Metrics:  b.metrics,
	}, b.logger)

	b.dlqSvc = dlq.NewService(b.store, b.metrics, b.logger)

	b.handlers = inbox.NewRegistry()
	b.processor = inbox.NewProcessor(b.store, b.store, b.handlers, inbox.Config{
		MaxRetries:    b.config.MaxRetries,
		KeyTTL:        b.config.KeyTTL,
		LeaseTimeout:  b.config.LeaseTimeout,
		RequireSchema: b.config.RequireSchema,
		Backoff: inbox.Backoff{
			Base: b.config.RetryBackoff,
			Max:  b.config.MaxRetryBackoff,
		},
		Schemas:    b.schemas,
		DeadLetter: b.dlqSvc,
		Metrics:    b.metrics,
		Tracer:     b.tracer,
	}, b.logger)
	b.dlqSvc.SetReplayer(b.processor)

	b.sweeper = inbox.NewSweeper(b.processor, b.store, inbox.SweeperConfig{
		RetryInterval:   b.config.RetryInterval,
		RetryBatchSize:  b.config.RetryBatchSize,
		CleanupInterval: b.config.CleanupInterval,
		Retention:       b.config.Retention,
		Metrics:         b.metrics,
	}, b.logger)

	if b.notifier == nil && b.publisher != nil {
		b.notifier = notify.New(b.publisher, b.config.Notify, b.logger)
	}

	if b.apps != nil {
		b.saga = saga.NewOrchestrator(b.apps, b.notifier, saga.Config{
			Metrics: b.metrics,
			Tracer:  b.tracer,
		}, b.logger)
		if err := saga.Register(b.handlers, b.saga); err != nil {
			return fmt.Errorf("backbone: register saga handlers: %w", err)
		}
	}

	return nil
}

// Start begins the retry and cleanup sweeps.
func (b *Backbone) Start(ctx context.Context) {
	b.sweeper.Start(ctx)
	b.logger.InfoContext(ctx, "backbone started",
		"exchange", b.topo.Exchange,
		"handlers", len(b.handlers.Types()),
		"saga", b.saga != nil,
	)
}

// Stop waits for in-flight sweeps to finish.
func (b *Backbone) Stop(ctx context.Context) {
	b.sweeper.Stop(ctx)
	b.logger.InfoContext(ctx, "backbone stopped")
}

// Handle registers the handler for eventType.
func (b *Backbone) Handle(eventType string, h inbox.Handler) error {
	return b.handlers.Register(eventType, h)
}

// RegisterSchema registers a schema version for an event type.
func (b *Backbone) RegisterSchema(ctx context.Context, in schema.Input) (*schema.Schema, error) {
	return b.schemas.Register(ctx, in)
}

// ActivateSchema makes schemaID the active version of its event type.
func (b *Backbone) ActivateSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	return b.schemas.Activate(ctx, schemaID)
}

// Process runs env through the inbox.
func (b *Backbone) Process(ctx context.Context, env *envelope.Envelope) (inbox.Result, error) {
	return b.processor.Process(ctx, env)
}

// Sink adapts the inbox to a topology consumer. Every outcome Process
// reports, including scheduled retries, acknowledges the delivery.
func (b *Backbone) Sink() topology.Sink {
	return topology.SinkFunc(func(ctx context.Context, env *envelope.Envelope) error {
		_, err := b.processor.Process(ctx, env)
		return err
	})
}

// Handler returns the admin HTTP API.
func (b *Backbone) Handler() http.Handler {
	return api.NewHandler(b.store, b.schemas, b.processor, b.dlqSvc, b.topo, b.logger)
}

// Store returns the underlying store.
func (b *Backbone) Store() store.Store {
	return b.store
}

// Schemas returns the schema registry.
func (b *Backbone) Schemas() *schema.Registry {
	return b.schemas
}

// Handlers returns the inbox handler registry.
func (b *Backbone) Handlers() *inbox.Registry {
	return b.handlers
}

// Processor returns the inbox processor.
func (b *Backbone) Processor() *inbox.Processor {
	return b.processor
}

// Sweeper returns the background sweeper.
func (b *Backbone) Sweeper() *inbox.Sweeper {
	return b.sweeper
}

// DLQ returns the DLQ service.
func (b *Backbone) DLQ() *dlq.Service {
	return b.dlqSvc
}

// Saga returns the admission saga orchestrator, or nil when no
// application service was configured.
func (b *Backbone) Saga() *saga.Orchestrator {
	return b.saga
}

// Topology returns the broker arena.
func (b *Backbone) Topology() *topology.Topology {
	return b.topo
}
