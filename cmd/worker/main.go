package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/convcache/internal/app"
	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/config"
	"github.com/suPer8Hu/convcache/internal/identity"
	"github.com/suPer8Hu/convcache/internal/migration"
	"github.com/suPer8Hu/convcache/internal/store/rabbitmq"
)

const retryBase = 2 * time.Second

type resumer interface {
	Resume(ctx context.Context, from, to identity.Identity) (*migration.Result, error)
}

type retrier interface {
	Retry(ctx context.Context, job rabbitmq.ReplicationJob, delay time.Duration) error
}

type action int

const (
	ack action = iota
	// parked on the retry queue; the delivery itself is acked
	retried
	// rejected without requeue, so it dead-letters to the DLQ
	deadLetter
	// requeued as is; the retry queue could not take it
	requeue
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger(config.Config{}).WithError(err).Fatal("config")
	}
	log := config.NewLogger(cfg)
	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the worker")
	}

	a, err := app.Open(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open stores")
	}
	defer a.Close()

	// the worker schedules its own retries; a coordinator that also enqueued would
	// double every failed attempt
	coord := migration.New(migration.Deps{
		Cold:          a.Cold,
		Authoritative: a.Auth,
		Logger:        log,
	}, migration.Options{ClaimTTL: cfg.MigrationClaimTTL})

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.WithError(err).Fatal("rabbit consumer")
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		log.WithError(err).Fatal("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": concurrency,
	}).Info("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.WithField("worker", workerID)
			for d := range jobs {
				start := time.Now()
				act := handleJob(ctx, coord, a.Publisher, d.Body, cfg.WorkerMaxAttempts, wlog)
				settle(d, act, wlog)
				wlog.WithFields(logrus.Fields{
					"action":   act.String(),
					"total_ms": time.Since(start).Milliseconds(),
				}).Debug("job_timing")
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func settle(d amqp.Delivery, act action, log logrus.FieldLogger) {
	var err error
	switch act {
	case ack, retried:
		err = d.Ack(false)
	case deadLetter:
		err = d.Nack(false, false)
	case requeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		log.WithError(err).WithField("action", act.String()).Warn("settle delivery")
	}
}

// handleJob finishes one migration's replication and decides what becomes of the
// delivery.
func handleJob(ctx context.Context, r resumer, q retrier, body []byte, maxAttempts int, log logrus.FieldLogger) action {
	job, err := rabbitmq.DecodeJob(body)
	if err != nil {
		log.WithError(err).Warn("bad message")
		return deadLetter
	}
	from, to, _ := job.Identities()
	jlog := log.WithFields(logrus.Fields{"from": job.From, "to": job.To, "attempt": job.Attempt})

	res, err := r.Resume(ctx, from, to)
	switch {
	case errors.Is(err, common.ErrNotFound):
		jlog.Info("no migration record, dropping job")
		return ack
	case errors.Is(err, identity.ErrInvalid):
		jlog.WithError(err).Warn("invalid job")
		return deadLetter
	case err != nil:
		jlog.WithError(err).Info("resume failed")
		return retry(ctx, q, job, maxAttempts, jlog)
	}

	switch {
	case res.Status == migration.StatusCompleted:
		jlog.WithField("replayed", res.Replayed).Info("replication complete")
		return ack
	case res.ConversationsMigrated == 0:
		// the transfer never committed, so there is nothing to replicate; the caller
		// retries the migration itself
		jlog.WithField("detail", res.Detail).Info("migration not transferred, dropping job")
		return ack
	default:
		jlog.WithField("detail", res.Detail).Info("replication still failing")
		return retry(ctx, q, job, maxAttempts, jlog)
	}
}

func retry(ctx context.Context, q retrier, job rabbitmq.ReplicationJob, maxAttempts int, log logrus.FieldLogger) action {
	if job.Attempt+1 >= maxAttempts {
		log.Warn("replication retries exhausted, dead-lettering")
		return deadLetter
	}
	if err := q.Retry(ctx, job, common.Backoff(retryBase, job.Attempt)); err != nil {
		log.WithError(err).Warn("publish retry")
		return requeue
	}
	return retried
}

func (a action) String() string {
	switch a {
	case ack:
		return "ack"
	case retried:
		return "retried"
	case deadLetter:
		return "dead_letter"
	case requeue:
		return "requeue"
	default:
		return "unknown"
	}
}
