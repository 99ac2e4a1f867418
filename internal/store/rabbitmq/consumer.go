package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer reads ReplicationJobs off the main queue with manual acks.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
}

// NewConsumer declares the queues and caps unacked deliveries at prefetch, which is
// the worker pool's concurrency.
func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c := &Consumer{conn: conn, ch: ch, queues: QueuesFor(queue)}
	if err := Declare(ch, c.queues); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) Queues() Queues { return c.queues }

func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queues.Main, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
