package topology

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel needed to declare a topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare declares the exchange, every queue and every binding of topo.
// Declarations are idempotent on the broker, so Declare may run on every start.
func Declare(ctx context.Context, ch AMQPChannel, topo *Topology) error {
	if ch == nil {
		return fmt.Errorf("topology: declare: nil channel")
	}

	if err := ch.ExchangeDeclare(topo.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("topology: declare exchange %s: %w", topo.Exchange, err)
	}

	for _, q := range topo.Queues() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Args()); err != nil {
			return fmt.Errorf("topology: declare queue %s: %w", q.Name, err)
		}
	}

	for _, b := range topo.Bindings() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("topology: bind %s to %s: %w", b.Queue, b.RoutingKey, err)
		}
	}

	return nil
}
