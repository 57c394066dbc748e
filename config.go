package backbone

import (
	"time"

	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/notify"
	"github.com/xraph/backbone/topology"
)

// Config holds the configuration for a Backbone instance.
type Config struct {
	// MaxRetries is the handler retry budget for envelopes that carry none.
	MaxRetries int

	// RetryBackoff is the base of the handler retry ladder (base * 2^n).
	RetryBackoff time.Duration

	// MaxRetryBackoff caps a single handler retry delay. Zero means no cap.
	MaxRetryBackoff time.Duration

	// KeyTTL is how long business idempotency keys are remembered.
	KeyTTL time.Duration

	// LeaseTimeout is how long a row may stay PROCESSING before the retry
	// sweep or a redelivery records the attempt as failed.
	LeaseTimeout time.Duration

	// RequireSchema rejects envelopes whose type has no registered schema.
	RequireSchema bool

	// SchemaCacheTTL bounds how long active schema lookups are cached.
	// Set to 0 to cache until the registry changes.
	SchemaCacheTTL time.Duration

	// RetryInterval is how often the sweeper re-runs due retries.
	RetryInterval time.Duration

	// RetryBatchSize is the number of due retries picked up per sweep.
	RetryBatchSize int

	// CleanupInterval is how often terminal inbox rows are purged.
	CleanupInterval time.Duration

	// Retention is how long terminal inbox rows are kept.
	Retention time.Duration

	// Topology describes the broker arena.
	Topology topology.Config

	// Notify configures the notifier built on top of the publisher.
	Notify notify.Config
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	sweep := inbox.DefaultSweeperConfig()
	return Config{
		MaxRetries:      5,
		RetryBackoff:    time.Minute,
		KeyTTL:          7 * 24 * time.Hour,
		LeaseTimeout:    inbox.DefaultLeaseTimeout,
		SchemaCacheTTL:  30 * time.Second,
		RetryInterval:   sweep.RetryInterval,
		RetryBatchSize:  sweep.RetryBatchSize,
		CleanupInterval: sweep.CleanupInterval,
		Retention:       sweep.Retention,
		Topology:        topology.DefaultConfig(),
	}
}
