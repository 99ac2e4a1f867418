package retention

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/convcache/internal/chat"
	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/dedup"
	"github.com/suPer8Hu/convcache/internal/identity"
	"github.com/suPer8Hu/convcache/internal/store/redisstore"
	"github.com/suPer8Hu/convcache/internal/usage"
)

type Deps struct {
	Hot           *redisstore.Store
	Cold          *chat.Repo
	Authoritative *chat.Repo
	Index         *dedup.Index
	Ledger        *usage.Ledger
	Logger        logrus.FieldLogger
}

type Options struct {
	// AnonymousRetention is how long an untouched anonymous session is kept.
	AnonymousRetention time.Duration
	Interval           time.Duration
	BatchSize          int
}

// Janitor periodically removes data nobody can reach any more.
type Janitor struct {
	hot    *redisstore.Store
	cold   *chat.Repo
	auth   *chat.Repo
	index  *dedup.Index
	ledger *usage.Ledger
	log    logrus.FieldLogger
	opts   Options
}

func New(deps Deps, opts Options) *Janitor {
	if opts.AnonymousRetention <= 0 {
		opts.AnonymousRetention = 30 * 24 * time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Janitor{
		hot:    deps.Hot,
		cold:   deps.Cold,
		auth:   deps.Authoritative,
		index:  deps.Index,
		ledger: deps.Ledger,
		log:    log.WithField("component", "janitor"),
		opts:   opts,
	}
}

type Report struct {
	UsageRecords        int64 `json:"usage_records"`
	IdleConversations   int64 `json:"idle_conversations"`
	PrunedReplicas      int64 `json:"pruned_replicas"`
	ExpiredCacheEntries int64 `json:"expired_cache_entries"`
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			rep, err := j.Sweep(ctx, time.Now().UTC())
			fields := logrus.Fields{
				"usage_records":      rep.UsageRecords,
				"idle_conversations": rep.IdleConversations,
				"pruned_replicas":    rep.PrunedReplicas,
				"expired_cache":      rep.ExpiredCacheEntries,
				"total_ms":           time.Since(start).Milliseconds(),
			}
			if err != nil {
				j.log.WithFields(fields).WithError(err).Warn("sweep")
				continue
			}
			j.log.WithFields(fields).Debug("sweep")
		}
	}
}

// Sweep runs one pass. Every step runs even when an earlier one fails; the joined
// errors come back with the partial report.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	var errs []error
	cutoff := now.Add(-j.opts.AnonymousRetention)

	if j.ledger != nil {
		n, err := j.ledger.PurgeAnonymous(ctx, cutoff)
		rep.UsageRecords = n
		errs = append(errs, err)
	}

	n, err := j.purgeIdle(ctx, cutoff)
	rep.IdleConversations = n
	errs = append(errs, err)

	if j.auth != nil {
		n, err = j.pruneReplicated(ctx, now)
		rep.PrunedReplicas = n
		errs = append(errs, err)
	}

	if j.index != nil {
		n, err = j.index.PurgeExpired(ctx, now)
		rep.ExpiredCacheEntries = n
		errs = append(errs, err)
	}
	return rep, errors.Join(errs...)
}

func (j *Janitor) purgeIdle(ctx context.Context, before time.Time) (int64, error) {
	convs, err := j.cold.ListIdle(ctx, identity.KindAnonymous, before, j.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, c := range convs {
		if err := j.cold.DeleteConversation(ctx, c.ID); err != nil {
			return n, err
		}
		if j.hot != nil {
			if err := j.hot.Expire(ctx, redisstore.Key(c.Owner(), c.Scope)); err != nil {
				j.log.WithError(err).WithField("conversation", c.ID).Debug("hotstore expire")
			}
		}
		n++
	}
	return n, nil
}

// pruneReplicated drops ColdStore copies of authenticated conversations once the
// AuthoritativeStore holds them. Copies still awaiting replication stay.
func (j *Janitor) pruneReplicated(ctx context.Context, now time.Time) (int64, error) {
	convs, err := j.cold.ListIdle(ctx, identity.KindAuthenticated, now, j.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, c := range convs {
		replica, err := j.auth.Get(ctx, c.ID)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if replica.MessageCount < c.MessageCount {
			j.log.WithFields(logrus.Fields{
				"conversation": c.ID,
				"cold":         c.MessageCount,
				"replica":      replica.MessageCount,
			}).Warn("replica behind cold copy, keeping it")
			continue
		}
		if err := j.cold.DeleteConversation(ctx, c.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
