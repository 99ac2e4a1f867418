package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/identity"
)

type Outcome string

const (
	OutcomeHit  Outcome = "hit"
	OutcomeMiss Outcome = "miss"
	// OutcomeNone is a request that never consulted a cache, e.g. a plain append.
	OutcomeNone Outcome = "none"
)

const (
	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierPro       = "pro"
)

type Period string

const (
	PeriodMonth Period = "month"
	PeriodDay   Period = "day"
)

// Key names the period containing t, e.g. "2026-10" or "2026-10-15".
func (p Period) Key(t time.Time) string {
	if p == PeriodDay {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01")
}

// Limits are per-period request quotas by tier. A limit <= 0 is unlimited.
type Limits struct {
	Anonymous int64
	Free      int64
	Pro       int64
}

func (l Limits) For(tier string) int64 {
	switch tier {
	case TierAnonymous:
		return l.Anonymous
	case TierPro:
		return l.Pro
	default:
		return l.Free
	}
}

// Record accumulates usage for one identity. Counters only move through SQL
// increments.
type Record struct {
	Identity        string    `gorm:"primaryKey;type:varchar(80)" json:"identity"`
	Kind            string    `gorm:"type:varchar(16);not null;index" json:"kind"`
	TotalRequests   int64     `gorm:"not null;default:0" json:"total_requests"`
	CacheHits       int64     `gorm:"not null;default:0" json:"cache_hits"`
	CacheMisses     int64     `gorm:"not null;default:0" json:"cache_misses"`
	TotalTokens     int64     `gorm:"not null;default:0" json:"total_tokens"`
	TotalCost       float64   `gorm:"not null;default:0" json:"total_cost"`
	Tier            string    `gorm:"type:varchar(16);not null" json:"tier"`
	PeriodKey       string    `gorm:"type:varchar(16);not null" json:"period_key"`
	PeriodQuotaUsed int64     `gorm:"not null;default:0" json:"period_quota_used"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `gorm:"index" json:"updated_at"`
}

func (Record) TableName() string { return "usage_records" }

func Models() []any { return []any{&Record{}} }

type Options struct {
	Limits          Limits
	Period          Period
	CostPer1KTokens float64
}

type Ledger struct {
	db     *gorm.DB
	limits Limits
	period Period
	cost   float64
	now    func() time.Time
}

func NewLedger(db *gorm.DB, opts Options) *Ledger {
	if opts.Period == "" {
		opts.Period = PeriodMonth
	}
	return &Ledger{
		db:     db,
		limits: opts.Limits,
		period: opts.Period,
		cost:   opts.CostPer1KTokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Cost prices tokens at the configured rate per thousand.
func (l *Ledger) Cost(tokens int64) float64 {
	return float64(tokens) / 1000 * l.cost
}

// ensure creates the record lazily. Concurrent creators converge on one row.
func (l *Ledger) ensure(ctx context.Context, id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	tier := TierFree
	if id.IsAnonymous() {
		tier = TierAnonymous
	}
	now := l.now()
	rec := &Record{
		Identity:  id.String(),
		Kind:      string(id.Kind),
		Tier:      tier,
		PeriodKey: l.period.Key(now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

// Admit reserves one unit of the identity's period quota, rolling the period first if
// it has ended. Rejection is a *common.QuotaError.
func (l *Ledger) Admit(ctx context.Context, id identity.Identity) error {
	if err := l.ensure(ctx, id); err != nil {
		return err
	}
	key := id.String()

	for attempt := 0; attempt < 2; attempt++ {
		period := l.period.Key(l.now())

		if err := l.db.WithContext(ctx).Model(&Record{}).
			Where("identity = ? AND period_key <> ?", key, period).
			Updates(map[string]any{"period_key": period, "period_quota_used": 0}).Error; err != nil {
			return err
		}

		rec, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		limit := l.limits.For(rec.Tier)

		q := l.db.WithContext(ctx).Model(&Record{}).
			Where("identity = ? AND period_key = ?", key, period)
		if limit > 0 {
			q = q.Where("period_quota_used < ?", limit)
		}
		res := q.Updates(map[string]any{
			"period_quota_used": gorm.Expr("period_quota_used + ?", 1),
			"updated_at":        l.now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}

		rec, err = l.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.PeriodKey != period {
			// another caller rolled the period underneath us
			continue
		}
		return &common.QuotaError{
			Identity: key,
			Tier:     rec.Tier,
			Limit:    limit,
			Used:     rec.PeriodQuotaUsed,
			Period:   rec.PeriodKey,
		}
	}
	return fmt.Errorf("admit %s: period changed twice while reserving", key)
}

// Release gives back a unit reserved by Admit for a request that failed before doing
// any work.
func (l *Ledger) Release(ctx context.Context, id identity.Identity) error {
	return l.db.WithContext(ctx).Model(&Record{}).
		Where("identity = ? AND period_quota_used > 0", id.String()).
		Update("period_quota_used", gorm.Expr("period_quota_used - ?", 1)).Error
}

// RecordRequest accounts one served request.
func (l *Ledger) RecordRequest(ctx context.Context, id identity.Identity, outcome Outcome, tokens int64) error {
	if err := l.ensure(ctx, id); err != nil {
		return err
	}
	var hit, miss int64
	switch outcome {
	case OutcomeHit:
		hit = 1
	case OutcomeMiss:
		miss = 1
	case OutcomeNone:
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}
	return l.db.WithContext(ctx).Model(&Record{}).
		Where("identity = ?", id.String()).
		Updates(map[string]any{
			"total_requests": gorm.Expr("total_requests + ?", 1),
			"cache_hits":     gorm.Expr("cache_hits + ?", hit),
			"cache_misses":   gorm.Expr("cache_misses + ?", miss),
			"total_tokens":   gorm.Expr("total_tokens + ?", tokens),
			"total_cost":     gorm.Expr("total_cost + ?", l.Cost(tokens)),
			"updated_at":     l.now(),
		}).Error
}

func (l *Ledger) Get(ctx context.Context, id identity.Identity) (*Record, error) {
	var rec Record
	if err := l.db.WithContext(ctx).First(&rec, "identity = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("usage %s: %w", id, common.ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// Snapshot is a record with its quota position in the current period.
type Snapshot struct {
	Record
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// Snapshot reports usage for id. An identity with no record yet has used nothing.
func (l *Ledger) Snapshot(ctx context.Context, id identity.Identity) (*Snapshot, error) {
	if err := l.ensure(ctx, id); err != nil {
		return nil, err
	}
	rec, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PeriodKey != l.period.Key(l.now()) {
		rec.PeriodKey = l.period.Key(l.now())
		rec.PeriodQuotaUsed = 0
	}
	s := &Snapshot{Record: *rec, Limit: l.limits.For(rec.Tier), Remaining: -1}
	if s.Limit > 0 {
		s.Remaining = max(s.Limit-rec.PeriodQuotaUsed, 0)
	}
	return s, nil
}

func (l *Ledger) SetTier(ctx context.Context, id identity.Identity, tier string) error {
	switch tier {
	case TierFree, TierPro:
	case TierAnonymous:
		if !id.IsAnonymous() {
			return fmt.Errorf("tier %q is reserved for anonymous identities", tier)
		}
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}
	if id.IsAnonymous() && tier != TierAnonymous {
		return fmt.Errorf("anonymous identities stay on tier %q", TierAnonymous)
	}
	if err := l.ensure(ctx, id); err != nil {
		return err
	}
	return l.db.WithContext(ctx).Model(&Record{}).
		Where("identity = ?", id.String()).
		Updates(map[string]any{"tier": tier, "updated_at": l.now()}).Error
}

// PurgeAnonymous deletes anonymous records untouched since before.
func (l *Ledger) PurgeAnonymous(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("kind = ? AND updated_at < ?", identity.KindAnonymous, before).
		Delete(&Record{})
	return res.RowsAffected, res.Error
}
