package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/backbone/observability"
)

// SweeperConfig holds the background sweep configuration.
type SweeperConfig struct {
	RetryInterval   time.Duration
	RetryBatchSize  int
	CleanupInterval time.Duration
	Retention       time.Duration
	Metrics         *observability.Metrics
}

// DefaultSweeperConfig returns the standard sweep cadence: retries every
// 30s in batches of 100, cleanup hourly with a 7-day retention window.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		RetryInterval:   30 * time.Second,
		RetryBatchSize:  100,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// Sweeper runs the periodic retry and cleanup sweeps. Each sweep runs on
// its own goroutine, so a cycle never starts before the previous cycle of
// the same sweep has finished.
type Sweeper struct {
	processor *Processor
	store     Store
	config    SweeperConfig
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper for processor's store.
func NewSweeper(processor *Processor, store Store, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSweeperConfig()
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetryBatchSize <= 0 {
		cfg.RetryBatchSize = def.RetryBatchSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Sweeper{
		processor: processor,
		store:     store,
		config:    cfg,
		logger:    logger,
	}
}

// Start launches both sweep loops.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, s.config.RetryInterval, func(ctx context.Context) {
			if _, err := s.RunRetrySweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "retry sweep failed", "error", err)
			}
		})
	}()
	go func() {
		defer s.wg.Done()
		s.loop(ctx, s.config.CleanupInterval, func(ctx context.Context) {
			if _, err := s.RunCleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "cleanup sweep failed", "error", err)
			}
		})
	}()
}

// Stop cancels both loops and waits for in-flight cycles to finish.
func (s *Sweeper) Stop(_ context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, every time.Duration, run func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// RunRetrySweep re-runs one batch of due retries and returns how many
// rows were attempted.
func (s *Sweeper) RunRetrySweep(ctx context.Context) (int, error) {
	n, err := s.processor.RetryDue(ctx, time.Now().UTC(), s.config.RetryBatchSize)
	if n > 0 {
		s.logger.DebugContext(ctx, "retry sweep", "attempted", n)
	}

	if s.config.Metrics != nil {
		if pending, cerr := s.store.CountInbox(ctx, StatusRetryScheduled); cerr == nil {
			s.config.Metrics.RetryScheduled.Set(float64(pending))
		}
	}

	return n, err
}

// RunCleanup purges COMPLETED, SKIPPED and DUPLICATE_DETECTED rows older
// than the retention window.
func (s *Sweeper) RunCleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.Retention)
	n, err := s.store.PurgeInbox(ctx, cutoff, Purgeable)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "inbox cleanup", "purged", n, "before", cutoff)
	}
	return n, nil
}
