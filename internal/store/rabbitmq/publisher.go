package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/convcache/internal/identity"
)

// ReplicationJob asks a worker to finish replicating a migration whose ownership
// transfer already committed.
type ReplicationJob struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Attempt int    `json:"attempt"`
}

func (j ReplicationJob) Identities() (from, to identity.Identity, err error) {
	if from, err = identity.Parse(j.From); err != nil {
		return from, to, fmt.Errorf("job from: %w", err)
	}
	if to, err = identity.Parse(j.To); err != nil {
		return from, to, fmt.Errorf("job to: %w", err)
	}
	return from, to, nil
}

// DecodeJob parses a delivery body.
func DecodeJob(body []byte) (ReplicationJob, error) {
	var j ReplicationJob
	if err := json.Unmarshal(body, &j); err != nil {
		return j, err
	}
	if _, _, err := j.Identities(); err != nil {
		return j, err
	}
	return j, nil
}

type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	q := QueuesFor(queue)
	if err := Declare(ch, q); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: q}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// EnqueueReplication publishes a first-attempt job to the main queue.
func (p *Publisher) EnqueueReplication(ctx context.Context, from, to identity.Identity) error {
	return p.publish(ctx, p.queues.Main, ReplicationJob{From: from.String(), To: to.String()}, 0)
}

// Retry parks job on the retry queue for delay; it then dead-letters back to the main
// queue.
func (p *Publisher) Retry(ctx context.Context, job ReplicationJob, delay time.Duration) error {
	job.Attempt++
	return p.publish(ctx, p.queues.Retry, job, delay)
}

func (p *Publisher) publish(ctx context.Context, queue string, job ReplicationJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}
