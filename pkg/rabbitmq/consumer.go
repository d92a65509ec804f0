package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Outcome tells a subscription how to settle a delivery.
type Outcome int

const (
	// Ack removes the delivery from the queue.
	Ack Outcome = iota
	// Requeue hands the delivery back to the broker for another attempt.
	Requeue
	// Drop rejects the delivery without redelivery.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	}
	return "drop"
}

// Subscription names a durable queue and the routing keys bound to it on a topic
// exchange.
type Subscription struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
	// HandlerTimeout bounds each handler call. Zero leaves it unbounded.
	HandlerTimeout time.Duration
}

// Consumer reads subscriptions over a single connection and channel.
type Consumer struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewConsumer dials RabbitMQ and opens a channel with prefetch unacknowledged
// deliveries in flight.
func NewConsumer(amqpURL string, prefetch int) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 16
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// Subscribe declares the subscription's topology and starts decoding each JSON
// delivery into T for handle. It returns once consumption has begun. Deliveries
// stop when ctx is cancelled or the channel closes.
func Subscribe[T any](ctx context.Context, c *Consumer, sub Subscription, handle func(ctx context.Context, routingKey string, msg T) Outcome) error {
	if handle == nil {
		return errors.New("rabbitmq: nil handler")
	}
	if len(sub.RoutingKeys) == 0 {
		return errors.New("rabbitmq: subscription has no routing keys")
	}

	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, key := range sub.RoutingKeys {
		if err := c.ch.QueueBind(q.Name, key, sub.Exchange, false, nil); err != nil {
			return err
		}
	}

	tag := q.Name + ".consumer"
	msgs, err := c.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			if err := c.ch.Cancel(tag, false); err != nil {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"cancel failed\" queue=%s err=%v", q.Name, err)
			}
		}()
	}

	go func() {
		for d := range msgs {
			settle(d, deliver(ctx, sub.HandlerTimeout, d.RoutingKey, d.Body, handle))
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()
	return nil
}

func deliver[T any](ctx context.Context, timeout time.Duration, routingKey string, body []byte, handle func(context.Context, string, T) Outcome) Outcome {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"undecodable message\" routing_key=%s err=%v", routingKey, err)
		return Drop
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return handle(ctx, routingKey, msg)
}

func settle(d amqp091.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"re-queuing message\" routing_key=%s", d.RoutingKey)
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"settle failed\" outcome=%s routing_key=%s err=%v", outcome, d.RoutingKey, err)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
