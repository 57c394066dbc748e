// Package topology builds the broker layout every channel is served by and
// moves envelopes through it.
//
// Each channel owns a primary queue, a ladder of five TTL retry queues and
// a terminal dead-letter queue, all bound to one topic exchange. A message
// parked on a retry rung is advanced by the broker: when the rung's TTL
// elapses the message is dead-lettered to the next rung's routing key. No
// external scheduler is involved.
package topology

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxTier is the number of retry rungs per channel.
const MaxTier = 5

// DefaultRetryTTLs is the retry ladder: 30s, 2m, 10m, 1h, 4h.
var DefaultRetryTTLs = [MaxTier]time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

// DefaultDLQRetention is how long the broker keeps dead letters.
const DefaultDLQRetention = 30 * 24 * time.Hour

var (
	// ErrUnknownChannel is returned for a channel that is not part of the topology.
	ErrUnknownChannel = errors.New("topology: unknown channel")

	// ErrInvalidConfig is returned by Build for an unusable configuration.
	ErrInvalidConfig = errors.New("topology: invalid configuration")
)

// Config describes the arena to build.
type Config struct {
	Namespace    string
	Channels     []string
	RetryTTLs    [MaxTier]time.Duration
	DLQRetention time.Duration
}

// DefaultConfig returns the standard admissions layout.
func DefaultConfig() Config {
	return Config{
		Namespace:    "admissions",
		Channels:     []string{"email", "sms", "domain-events"},
		RetryTTLs:    DefaultRetryTTLs,
		DLQRetention: DefaultDLQRetention,
	}
}

// QueueKind classifies a queue within a channel.
type QueueKind string

const (
	KindPrimary QueueKind = "primary"
	KindRetry   QueueKind = "retry"
	KindDLQ     QueueKind = "dlq"
)

// Queue is one declared queue together with its dead-letter wiring.
type Queue struct {
	Name       string        `json:"name"`
	Channel    string        `json:"channel"`
	Kind       QueueKind     `json:"kind"`
	Tier       int           `json:"tier,omitempty"`
	RoutingKey string        `json:"routing_key"`
	TTL        time.Duration `json:"ttl,omitempty"`

	DeadLetterExchange   string `json:"dead_letter_exchange,omitempty"`
	DeadLetterRoutingKey string `json:"dead_letter_routing_key,omitempty"`
}

// Args returns the queue declaration arguments.
func (q *Queue) Args() amqp.Table {
	args := amqp.Table{}
	if q.TTL > 0 {
		args["x-message-ttl"] = q.TTL.Milliseconds()
	}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Binding binds a queue to the exchange under a routing key.
type Binding struct {
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Channel groups the queues serving one logical channel.
type Channel struct {
	Name    string   `json:"name"`
	Primary *Queue   `json:"primary"`
	Retries []*Queue `json:"retries"`
	DLQ     *Queue   `json:"dlq"`
}

// RequestedKey is the routing key of the primary queue.
func RequestedKey(channel string) string { return channel + ".requested" }

// RetryKey is the routing key of retry rung n.
func RetryKey(channel string, n int) string { return channel + ".retry." + strconv.Itoa(n) }

// DLQKey is the routing key of the terminal queue.
func DLQKey(channel string) string { return channel + ".dlq" }

// NextRoutingKey returns where a delivery that failed on attempt goes next:
// retry rung min(attempt+1, 5) while attempt < maxRetries, the channel's
// DLQ afterwards.
func NextRoutingKey(channel string, attempt, maxRetries int) string {
	if attempt >= maxRetries {
		return DLQKey(channel)
	}
	return RetryKey(channel, min(max(attempt+1, 1), MaxTier))
}

// Topology is the built arena. It is immutable once returned by Build.
type Topology struct {
	Exchange string `json:"exchange"`

	channels map[string]*Channel
	order    []string
	queues   map[string]*Queue
	byKey    map[string]*Queue
}

// Build constructs every exchange, queue and binding for cfg.
func Build(cfg Config) (*Topology, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", ErrInvalidConfig)
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidConfig)
	}
	for i, ttl := range cfg.RetryTTLs {
		if ttl <= 0 {
			cfg.RetryTTLs[i] = DefaultRetryTTLs[i]
		}
	}
	if cfg.DLQRetention <= 0 {
		cfg.DLQRetention = DefaultDLQRetention
	}

	t := &Topology{
		Exchange: cfg.Namespace + ".x",
		channels: make(map[string]*Channel, len(cfg.Channels)),
		queues:   make(map[string]*Queue),
		byKey:    make(map[string]*Queue),
	}

	for _, name := range cfg.Channels {
		if name == "" {
			return nil, fmt.Errorf("%w: empty channel name", ErrInvalidConfig)
		}
		if _, dup := t.channels[name]; dup {
			return nil, fmt.Errorf("%w: duplicate channel %q", ErrInvalidConfig, name)
		}

		prefix := cfg.Namespace + "." + name
		ch := &Channel{
			Name: name,
			Primary: &Queue{
				Name:       prefix + ".q",
				Channel:    name,
				Kind:       KindPrimary,
				RoutingKey: RequestedKey(name),
			},
			DLQ: &Queue{
				Name:       prefix + ".dlq",
				Channel:    name,
				Kind:       KindDLQ,
				RoutingKey: DLQKey(name),
				TTL:        cfg.DLQRetention,
			},
		}

		for n := 1; n <= MaxTier; n++ {
			// The last rung feeds the primary queue for one final attempt.
			next := RequestedKey(name)
			if n < MaxTier {
				next = RetryKey(name, n+1)
			}
			ch.Retries = append(ch.Retries, &Queue{
				Name:                 prefix + ".retry.q." + strconv.Itoa(n),
				Channel:              name,
				Kind:                 KindRetry,
				Tier:                 n,
				RoutingKey:           RetryKey(name, n),
				TTL:                  cfg.RetryTTLs[n-1],
				DeadLetterExchange:   t.Exchange,
				DeadLetterRoutingKey: next,
			})
		}

		t.channels[name] = ch
		t.order = append(t.order, name)
		for _, q := range ch.queues() {
			t.queues[q.Name] = q
			t.byKey[q.RoutingKey] = q
		}
	}

	return t, nil
}

func (c *Channel) queues() []*Queue {
	out := make([]*Queue, 0, MaxTier+2)
	out = append(out, c.Primary)
	out = append(out, c.Retries...)
	return append(out, c.DLQ)
}

// Channel returns a channel by name.
func (t *Topology) Channel(name string) (*Channel, error) {
	ch, ok := t.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Channels returns the channel names in declaration order.
func (t *Topology) Channels() []string {
	return append([]string(nil), t.order...)
}

// Queues returns every queue in declaration order.
func (t *Topology) Queues() []*Queue {
	var out []*Queue
	for _, name := range t.order {
		out = append(out, t.channels[name].queues()...)
	}
	return out
}

// Bindings returns one binding per queue.
func (t *Topology) Bindings() []Binding {
	qs := t.Queues()
	out := make([]Binding, 0, len(qs))
	for _, q := range qs {
		out = append(out, Binding{Queue: q.Name, Exchange: t.Exchange, RoutingKey: q.RoutingKey})
	}
	return out
}

// Queue returns a queue by name.
func (t *Topology) Queue(name string) (*Queue, bool) {
	q, ok := t.queues[name]
	return q, ok
}

// Route returns the queue bound to routingKey.
func (t *Topology) Route(routingKey string) (*Queue, bool) {
	q, ok := t.byKey[routingKey]
	return q, ok
}

// Expire returns the routing key a message is re-published under when its
// TTL elapses in queueName. ok is false for queues that drop or keep
// expired messages.
func (t *Topology) Expire(queueName string) (string, bool) {
	q, ok := t.queues[queueName]
	if !ok || q.TTL <= 0 || q.DeadLetterExchange == "" {
		return "", false
	}
	return q.DeadLetterRoutingKey, true
}
