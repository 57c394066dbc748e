package backbone

import (
	"log/slog"
	"time"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/notify"
	"github.com/xraph/backbone/observability"
	"github.com/xraph/backbone/saga"
	"github.com/xraph/backbone/schema"
	"github.com/xraph/backbone/store"
	"github.com/xraph/backbone/topology"
)

// Backbone is the root of the event backbone: schema registry, inbox,
// DLQ triage and, when an application service is configured, the
// admission saga.
type Backbone struct {
	config  Config
	store   store.Store
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	publisher notify.Publisher
	apps      saga.Applications
	notifier  saga.Notifier

	topo      *topology.Topology
	schemas   *schema.Registry
	handlers  *inbox.Registry
	processor *inbox.Processor
	sweeper   *inbox.Sweeper
	dlqSvc    *dlq.Service
	saga      *saga.Orchestrator
}

// Option configures a Backbone instance.
type Option func(*Backbone) error

// New creates a new Backbone with the given options.
func New(opts ...Option) (*Backbone, error) {
	b := &Backbone{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.store == nil {
		return nil, ErrNoStore
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if err := b.wireServices(); err != nil {
		return nil, err
	}
	return b, nil
}

// WithConfig replaces the whole configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg Config) Option {
	return func(b *Backbone) error {
		b.config = cfg
		return nil
	}
}

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(b *Backbone) error {
		b.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backbone) error {
		b.logger = logger
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Backbone) error {
		b.metrics = m
		return nil
	}
}

// WithTracer enables OpenTelemetry spans.
func WithTracer(t *observability.Tracer) Option {
	return func(b *Backbone) error {
		b.tracer = t
		return nil
	}
}

// WithMaxRetries sets the default handler retry budget.
func WithMaxRetries(n int) Option {
	return func(b *Backbone) error {
		b.config.MaxRetries = n
		return nil
	}
}

// WithBackoff sets the base and the cap of the handler retry ladder.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(b *Backbone) error {
		b.config.RetryBackoff = base
		b.config.MaxRetryBackoff = ceiling
		return nil
	}
}

// WithKeyTTL sets how long business idempotency keys are remembered.
func WithKeyTTL(d time.Duration) Option {
	return func(b *Backbone) error {
		b.config.KeyTTL = d
		return nil
	}
}

// WithLeaseTimeout sets how long a row may stay PROCESSING without a
// committed outcome.
func WithLeaseTimeout(d time.Duration) Option {
	return func(b *Backbone) error {
		b.config.LeaseTimeout = d
		return nil
	}
}

// WithRetryInterval sets how often due retries are swept.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Backbone) error {
		b.config.RetryInterval = d
		return nil
	}
}

// WithRetryBatchSize sets how many due retries one sweep picks up.
func WithRetryBatchSize(n int) Option {
	return func(b *Backbone) error {
		b.config.RetryBatchSize = n
		return nil
	}
}

// WithCleanupInterval sets how often terminal inbox rows are purged.
func WithCleanupInterval(d time.Duration) Option {
	return func(b *Backbone) error {
		b.config.CleanupInterval = d
		return nil
	}
}

// WithRetention sets how long terminal inbox rows are kept.
func WithRetention(d time.Duration) Option {
	return func(b *Backbone) error {
		b.config.Retention = d
		return nil
	}
}

// WithRequireSchema rejects envelopes whose type has no registered schema.
func WithRequireSchema(require bool) Option {
	return func(b *Backbone) error {
		b.config.RequireSchema = require
		return nil
	}
}

// WithSchemaCacheTTL sets the TTL of the active-schema cache.
func WithSchemaCacheTTL(d time.Duration) Option {
	return func(b *Backbone) error {
		b.config.SchemaCacheTTL = d
		return nil
	}
}

// WithNamespace sets the topology namespace.
func WithNamespace(ns string) Option {
	return func(b *Backbone) error {
		b.config.Topology.Namespace = ns
		return nil
	}
}

// WithChannels sets the topology channels.
func WithChannels(channels ...string) Option {
	return func(b *Backbone) error {
		b.config.Topology.Channels = channels
		return nil
	}
}

// WithPublisher sets the broker publisher used for notifications.
// *topology.Publisher satisfies it.
func WithPublisher(p notify.Publisher) Option {
	return func(b *Backbone) error {
		b.publisher = p
		return nil
	}
}

// WithApplications sets the application-owning service and enables the
// admission saga.
func WithApplications(apps saga.Applications) Option {
	return func(b *Backbone) error {
		b.apps = apps
		return nil
	}
}

// WithNotifier sets the saga notifier, overriding the one built from the
// publisher.
func WithNotifier(n saga.Notifier) Option {
	return func(b *Backbone) error {
		b.notifier = n
		return nil
	}
}
