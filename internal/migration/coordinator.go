package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/convcache/internal/chat"
	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/dedup"
	"github.com/suPer8Hu/convcache/internal/identity"
)

// Enqueuer schedules a background replication retry.
type Enqueuer interface {
	EnqueueReplication(ctx context.Context, from, to identity.Identity) error
}

type Deps struct {
	// Cold holds the conversations being moved, the generation cache and the
	// migration records.
	Cold          *chat.Repo
	Authoritative *chat.Repo
	Enqueuer      Enqueuer
	Logger        logrus.FieldLogger
}

type Options struct {
	// ClaimTTL is how long a pending migration blocks others for the same anonymous
	// identity before it is presumed abandoned.
	ClaimTTL time.Duration
}

// Coordinator moves an anonymous identity's conversations to an authenticated one.
// Ownership transfer is one ColdStore transaction; replication into the
// AuthoritativeStore follows and may be retried on its own.
type Coordinator struct {
	cold     *chat.Repo
	auth     *chat.Repo
	db       *gorm.DB
	enqueuer Enqueuer
	log      logrus.FieldLogger
	locks    *common.KeyedMutex
	claimTTL time.Duration
	now      func() time.Time
}

func New(deps Deps, opts Options) *Coordinator {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 2 * time.Minute
	}
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		cold:     deps.Cold,
		auth:     deps.Authoritative,
		db:       deps.Cold.DB(),
		enqueuer: deps.Enqueuer,
		log:      log.WithField("component", "migration"),
		locks:    common.NewKeyedMutex(),
		claimTTL: opts.ClaimTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func validatePair(from, to identity.Identity) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if !from.IsAnonymous() || !to.IsAuthenticated() {
		return fmt.Errorf("%w: migrate %s -> %s: need anonymous -> authenticated", identity.ErrInvalid, from, to)
	}
	return nil
}

// Migrate runs or resumes the migration of from into to. Failures are recorded and
// reported in the Result; the error return is reserved for invalid input,
// ErrMigrationConflict, and failures to read or write the record itself.
func (c *Coordinator) Migrate(ctx context.Context, from, to identity.Identity) (*Result, error) {
	if err := validatePair(from, to); err != nil {
		return nil, err
	}
	unlock := c.locks.Lock(from.String())
	defer unlock()

	start := time.Now()
	rec, done, err := c.claim(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if done {
		return resultOf(rec, true), nil
	}

	res, err := c.run(ctx, rec, from, to)
	c.log.WithFields(logrus.Fields{
		"from":          from.String(),
		"to":            to.String(),
		"attempt":       rec.Attempts,
		"status":        rec.Status,
		"conversations": rec.ConversationsMigrated,
		"messages":      rec.MessagesMigrated,
		"took":          time.Since(start).String(),
	}).Info("migration_timing")
	return res, err
}

// Resume finishes replication for a migration whose ownership transfer already
// committed. It never starts a transfer; without a record it returns ErrNotFound.
func (c *Coordinator) Resume(ctx context.Context, from, to identity.Identity) (*Result, error) {
	if err := validatePair(from, to); err != nil {
		return nil, err
	}
	rec, err := c.Get(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusCompleted {
		return resultOf(rec, true), nil
	}
	if !rec.Transferred() {
		return resultOf(rec, false), nil
	}
	return c.Migrate(ctx, from, to)
}

func (c *Coordinator) Get(ctx context.Context, from, to identity.Identity) (*Record, error) {
	var rec Record
	err := c.db.WithContext(ctx).
		Where("from_identity = ? AND to_identity = ?", from.String(), to.String()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("migration %s -> %s: %w", from, to, common.ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// ListFrom returns every migration out of from, oldest first.
func (c *Coordinator) ListFrom(ctx context.Context, from identity.Identity) ([]Record, error) {
	var recs []Record
	err := c.db.WithContext(ctx).
		Where("from_identity = ?", from.String()).
		Order("started_at ASC").
		Find(&recs).Error
	return recs, err
}

// claim makes rec pending for this caller. done reports a migration already completed.
func (c *Coordinator) claim(ctx context.Context, from, to identity.Identity) (rec *Record, done bool, err error) {
	now := c.now()
	cutoff := now.Add(-c.claimTTL)

	existing, err := c.Get(ctx, from, to)
	switch {
	case err == nil:
		if existing.Status == StatusCompleted {
			return existing, true, nil
		}
	case errors.Is(err, common.ErrNotFound):
		existing = nil
	default:
		return nil, false, err
	}

	var held int64
	if err := c.db.WithContext(ctx).Model(&Record{}).
		Where("from_identity = ? AND status = ? AND claimed_at > ?", from.String(), StatusPending, cutoff).
		Count(&held).Error; err != nil {
		return nil, false, err
	}
	if held > 0 {
		return nil, false, fmt.Errorf("%s: %w", from, common.ErrMigrationConflict)
	}

	if existing == nil {
		rec = &Record{
			ID:           uuid.NewString(),
			FromIdentity: from.String(),
			ToIdentity:   to.String(),
			Stage:        StageInitiated,
			Status:       StatusPending,
			Attempts:     1,
			StartedAt:    now,
			ClaimedAt:    now,
		}
		if err := c.db.WithContext(ctx).Create(rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return c.lostClaim(ctx, from, to)
			}
			return nil, false, err
		}
		return rec, false, nil
	}

	stage := StageInitiated
	if existing.Transferred() {
		stage = StageOwnershipTransferred
	}
	res := c.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status <> ? AND (status <> ? OR claimed_at <= ?)",
			existing.ID, StatusCompleted, StatusPending, cutoff).
		Updates(map[string]any{
			"stage":      stage,
			"status":     StatusPending,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + ?", 1),
			"detail":     "",
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return c.lostClaim(ctx, from, to)
	}
	rec, err = c.Get(ctx, from, to)
	return rec, false, err
}

// lostClaim resolves a claim someone else won: their completed migration is ours too,
// anything else is a conflict.
func (c *Coordinator) lostClaim(ctx context.Context, from, to identity.Identity) (*Record, bool, error) {
	rec, err := c.Get(ctx, from, to)
	if err != nil {
		return nil, false, err
	}
	if rec.Status == StatusCompleted {
		return rec, true, nil
	}
	return nil, false, fmt.Errorf("%s: %w", from, common.ErrMigrationConflict)
}

func (c *Coordinator) run(ctx context.Context, rec *Record, from, to identity.Identity) (*Result, error) {
	if !rec.Transferred() {
		if err := c.transfer(ctx, rec, from, to); err != nil {
			if errors.Is(err, common.ErrMigrationConflict) {
				return nil, err
			}
			return c.fail(ctx, rec, fmt.Errorf("ownership transfer: %w", err))
		}
		if !rec.Transferred() {
			// nothing to migrate
			return c.finish(ctx, rec)
		}
	}

	if err := c.replicate(ctx, from, to); err != nil {
		res, ferr := c.fail(ctx, rec, fmt.Errorf("replication: %w", err))
		c.enqueue(ctx, from, to)
		return res, ferr
	}
	if err := c.advance(ctx, rec, StageReplicated, nil); err != nil {
		return nil, err
	}
	return c.finish(ctx, rec)
}

// transfer moves ownership in one ColdStore transaction and records the counts in the
// same transaction. Hashes already used in the AuthoritativeStore are looked up first,
// so the transaction never waits on the other store.
func (c *Coordinator) transfer(ctx context.Context, rec *Record, from, to identity.Identity) error {
	hashes, err := c.cold.TransferHashes(ctx, from, to)
	if err != nil {
		return err
	}
	reserved, err := c.auth.HashesInUse(ctx, hashes)
	if err != nil {
		return common.Transient("authoritative hash lookup", err)
	}

	var convs, msgs int64
	err = c.cold.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		convs, msgs, err = chat.TransferOwnership(tx, from, to, reserved)
		if err != nil {
			return err
		}
		if _, err := dedup.RetargetOwner(tx, from, to); err != nil {
			return err
		}

		res := tx.Model(&Record{}).
			Where("id = ? AND status = ?", rec.ID, StatusPending).
			Updates(map[string]any{
				"conversations_migrated": convs,
				"messages_migrated":      msgs,
				"stage":                  StageOwnershipTransferred,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%s: claim lost during transfer: %w", from, common.ErrMigrationConflict)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec.ConversationsMigrated = convs
	rec.MessagesMigrated = msgs
	rec.Stage = StageOwnershipTransferred
	return nil
}

// replicate copies every conversation moved from -> to into the AuthoritativeStore.
// Conversations already there are skipped, so a retry only does the remainder.
func (c *Coordinator) replicate(ctx context.Context, from, to identity.Identity) error {
	convs, err := c.cold.ListMigratedFrom(ctx, from, to)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		snap, msgs, err := c.cold.Snapshot(ctx, conv.ID)
		if err != nil {
			return err
		}
		wrote, err := c.auth.ReplicateConversation(ctx, snap, msgs)
		if err != nil {
			return fmt.Errorf("conversation %s: %w", conv.ID, err)
		}
		c.log.WithFields(logrus.Fields{
			"conversation": conv.ID,
			"messages":     len(msgs),
			"written":      wrote,
		}).Debug("replicated conversation")
	}
	return nil
}

func (c *Coordinator) advance(ctx context.Context, rec *Record, stage Stage, extra map[string]any) error {
	updates := map[string]any{"stage": stage, "status": stage.Status()}
	for k, v := range extra {
		updates[k] = v
	}
	if err := c.db.WithContext(ctx).Model(&Record{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		return err
	}
	rec.Stage = stage
	rec.Status = stage.Status()
	return nil
}

func (c *Coordinator) finish(ctx context.Context, rec *Record) (*Result, error) {
	now := c.now()
	if err := c.advance(ctx, rec, StageAuditLogged, map[string]any{"completed_at": now, "detail": ""}); err != nil {
		return nil, err
	}
	rec.CompletedAt = &now
	rec.Detail = ""
	return resultOf(rec, false), nil
}

func (c *Coordinator) fail(ctx context.Context, rec *Record, cause error) (*Result, error) {
	c.log.WithError(cause).WithFields(logrus.Fields{
		"from":        rec.FromIdentity,
		"to":          rec.ToIdentity,
		"transferred": rec.Transferred(),
	}).Warn("migration failed")

	// the caller's context may be what failed; the record must still be written
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.advance(wctx, rec, StageFailed, map[string]any{"detail": cause.Error()}); err != nil {
		return nil, fmt.Errorf("record failed migration: %w (cause: %v)", err, cause)
	}
	rec.Detail = cause.Error()
	return resultOf(rec, false), nil
}

func (c *Coordinator) enqueue(ctx context.Context, from, to identity.Identity) {
	if c.enqueuer == nil {
		return
	}
	if err := c.enqueuer.EnqueueReplication(context.WithoutCancel(ctx), from, to); err != nil {
		c.log.WithError(err).WithField("from", from.String()).Error("enqueue replication retry")
	}
}
