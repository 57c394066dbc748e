package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/schema"
)

// ConsumeChannel is the subset of *amqp.Channel needed to consume.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Sink receives decoded envelopes. A nil error means the envelope reached
// a terminal outcome and the delivery can be acknowledged.
type Sink interface {
	Deliver(ctx context.Context, env *envelope.Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env *envelope.Envelope) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, env *envelope.Envelope) error { return f(ctx, env) }

// Permanent reports whether a sink error can never succeed on redelivery.
// Such deliveries skip the retry ladder.
func Permanent(err error) bool {
	return errors.Is(err, envelope.ErrStructural) ||
		errors.Is(err, schema.ErrSchemaValidation) ||
		errors.Is(err, schema.ErrSchemaNotFound)
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	// Channel is the topology channel whose primary queue is consumed.
	Channel string

	// Concurrency is the number of workers, clamped to [2, 10].
	Concurrency int

	// Prefetch bounds unacknowledged deliveries per worker.
	Prefetch int

	// Tag is the consumer tag prefix.
	Tag string
}

// Consumer drains a channel's primary queue into a Sink with a bounded
// worker pool. Failed deliveries are republished along the retry ladder
// and then acknowledged, so the primary queue never redelivers them itself.
type Consumer struct {
	ch        ConsumeChannel
	publisher *Publisher
	sink      Sink
	config    ConsumerConfig
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer. The publisher's topology must contain
// cfg.Channel.
func NewConsumer(ch ConsumeChannel, publisher *Publisher, sink Sink, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Concurrency = min(max(cfg.Concurrency, 2), 10)
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Tag == "" {
		cfg.Tag = "backbone"
	}
	return &Consumer{
		ch:        ch,
		publisher: publisher,
		sink:      sink,
		config:    cfg,
		logger:    logger,
	}
}

// Start sets QoS, opens the consumer and launches the workers.
func (c *Consumer) Start(ctx context.Context) error {
	channel, err := c.publisher.topo.Channel(c.config.Channel)
	if err != nil {
		return err
	}

	if err := c.ch.Qos(c.config.Prefetch*c.config.Concurrency, 0, false); err != nil {
		return fmt.Errorf("topology: qos: %w", err)
	}

	deliveries, err := c.ch.Consume(channel.Primary.Name, c.config.Tag+"."+channel.Name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("topology: consume %s: %w", channel.Primary.Name, err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	for range c.config.Concurrency {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.work(ctx, deliveries)
		}()
	}

	c.logger.InfoContext(ctx, "consumer started",
		"queue", channel.Primary.Name,
		"workers", c.config.Concurrency,
		"prefetch", c.config.Prefetch,
	)
	return nil
}

// Stop cancels the workers and waits for in-flight deliveries.
func (c *Consumer) Stop(_ context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) work(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and settles it. It never returns an error:
// every failure is routed to the retry ladder or the DLQ, or the delivery
// is requeued when even that publish fails.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	name := c.config.Channel

	env, err := envelope.Parse(d.Body)
	if err != nil {
		c.logger.WarnContext(ctx, "unparseable delivery",
			"channel", name, "message_id", d.MessageId, "error", err)
		c.settle(ctx, d, c.publisher.DeadLetter(ctx, name, d.Body, err.Error()))
		return
	}

	attempt := RetryCount(d.Headers)

	err = c.sink.Deliver(ctx, env)
	switch {
	case err == nil:
		c.settle(ctx, d, nil)
	case Permanent(err):
		c.logger.WarnContext(ctx, "delivery rejected",
			"channel", name,
			"event_id", env.EventID,
			"event_type", env.EventType,
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		c.settle(ctx, d, c.publisher.DeadLetter(ctx, name, d.Body, err.Error()))
	default:
		c.logger.ErrorContext(ctx, "delivery failed",
			"channel", name,
			"event_id", env.EventID,
			"event_type", env.EventType,
			"correlation_id", env.CorrelationID,
			"attempt", attempt,
			"error", err,
		)
		_, perr := c.publisher.Retry(ctx, name, env, attempt)
		c.settle(ctx, d, perr)
	}
}

// settle acks d, or requeues it when rerouting failed.
func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, rerouteErr error) {
	if rerouteErr != nil {
		c.logger.ErrorContext(ctx, "reroute failed, requeueing",
			"channel", c.config.Channel, "message_id", d.MessageId, "error", rerouteErr)
		if err := d.Nack(false, true); err != nil {
			c.logger.ErrorContext(ctx, "nack failed", "message_id", d.MessageId, "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.ErrorContext(ctx, "ack failed", "message_id", d.MessageId, "error", err)
	}
}

// RetryCount reads the transport attempt number from message headers.
func RetryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case uint8:
		return int(v)
	default:
		return 0
	}
}
