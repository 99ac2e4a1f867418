package rabbitmq

import amqp "github.com/rabbitmq/amqp091-go"

// Queues names the main queue and its retry and dead-letter companions.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(main string) Queues {
	return Queues{Main: main, Retry: main + ".retry", DLQ: main + ".dlq"}
}

// Declare creates the three queues. Publisher and worker both call it so either may
// start first.
func Declare(ch *amqp.Channel, q Queues) error {
	// DLQ
	if _, err := ch.QueueDeclare(
		q.DLQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		q.Retry,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.Main,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		q.Main,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.DLQ,
		},
	)
	return err
}
