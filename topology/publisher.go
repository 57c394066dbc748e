package topology

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/observability"
)

// RetryCountHeader carries the transport attempt number on retried messages.
const RetryCountHeader = "x-retry-count"

// ReasonHeader carries the dead-letter reason on messages sent to a DLQ.
const ReasonHeader = "x-dead-letter-reason"

// DefaultMaxRetries is the transport retry budget when the envelope has none.
const DefaultMaxRetries = MaxTier

// PublishChannel is the subset of *amqp.Channel needed to publish.
type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// PublisherConfig holds publisher configuration.
type PublisherConfig struct {
	// MaxRetries is used when an envelope carries no retry budget.
	MaxRetries int
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Publisher sends envelopes to the topology's exchange.
type Publisher struct {
	ch     PublishChannel
	topo   *Topology
	config PublisherConfig
	logger *slog.Logger
}

// NewPublisher creates a publisher for topo.
func NewPublisher(ch PublishChannel, topo *Topology, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Publisher{ch: ch, topo: topo, config: cfg, logger: logger}
}

// Topology returns the publisher's topology.
func (p *Publisher) Topology() *Topology {
	return p.topo
}

// Publish sends env to the channel's primary queue.
func (p *Publisher) Publish(ctx context.Context, channel string, env *envelope.Envelope) error {
	if _, err := p.topo.Channel(channel); err != nil {
		return err
	}
	return p.send(ctx, RequestedKey(channel), env, nil)
}

// Retry routes env after a failed delivery attempt. It returns the routing
// key used: a retry rung, or the channel's DLQ once the envelope's retry
// budget is spent.
func (p *Publisher) Retry(ctx context.Context, channel string, env *envelope.Envelope, attempt int) (string, error) {
	if _, err := p.topo.Channel(channel); err != nil {
		return "", err
	}

	key := NextRoutingKey(channel, attempt, env.MaxRetries(p.config.MaxRetries))
	headers := amqp.Table{RetryCountHeader: int32(attempt + 1)}

	if err := p.send(ctx, key, env, headers); err != nil {
		return "", err
	}

	p.logger.DebugContext(ctx, "delivery rerouted",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"correlation_id", env.CorrelationID,
		"routing_key", key,
		"attempt", attempt+1,
	)

	return key, nil
}

// DeadLetter sends body straight to the channel's DLQ. body need not be a
// valid envelope.
func (p *Publisher) DeadLetter(ctx context.Context, channel string, body []byte, reason string) error {
	if _, err := p.topo.Channel(channel); err != nil {
		return err
	}

	key := DLQKey(channel)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{ReasonHeader: reason},
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.topo.Exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("topology: publish %s: %w", key, err)
	}

	if p.config.Metrics != nil {
		p.config.Metrics.RecordPublish(key)
	}
	p.logger.WarnContext(ctx, "message dead-lettered", "routing_key", key, "reason", reason)
	return nil
}

func (p *Publisher) send(ctx context.Context, key string, env *envelope.Envelope, headers amqp.Table) (err error) {
	var span trace.Span
	if p.config.Tracer != nil {
		ctx, span = p.config.Tracer.StartPublishSpan(ctx, p.topo.Exchange, key, env.EventID)
		defer func() { p.config.Tracer.EndSpan(span, "", err) }()
	}

	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("topology: encode %s: %w", env.EventID, err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID,
		CorrelationId: env.CorrelationID,
		Type:          env.EventType,
		AppId:         env.Source,
		Timestamp:     env.Timestamp,
		Priority:      uint8(min(max(env.Priority(), 0), 9)),
		Headers:       headers,
		Body:          body,
	}
	if env.Metadata != nil && env.Metadata.TTL > 0 {
		msg.Expiration = strconv.FormatInt(env.Metadata.TTL.Milliseconds(), 10)
	}

	if err := p.ch.PublishWithContext(ctx, p.topo.Exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("topology: publish %s to %s: %w", env.EventID, key, err)
	}

	if p.config.Metrics != nil {
		p.config.Metrics.RecordPublish(key)
	}
	return nil
}
