package dedup

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

// Entry is a cached generation result. SourceMessageID/SourceOwner are weak
// references to the assistant message first produced for this prompt.
type Entry struct {
	PromptHash          string     `gorm:"primaryKey;type:char(64)" json:"prompt_hash"`
	PromptText          string     `gorm:"type:text;not null" json:"prompt_text"`
	ResponseText        string     `gorm:"type:text;not null" json:"response_text"`
	ModelID             string     `gorm:"type:varchar(128)" json:"model_id"`
	HitCount            int64      `gorm:"not null;default:0" json:"hit_count"`
	GenerationLatencyMs int64      `gorm:"not null;default:0" json:"generation_latency_ms"`
	TokenCount          int64      `gorm:"not null;default:0" json:"token_count"`
	Embedding           []float32  `gorm:"serializer:json" json:"-"`
	SourceMessageID     string     `gorm:"size:36" json:"-"`
	SourceOwner         string     `gorm:"type:varchar(80);index" json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	LastAccessedAt      time.Time  `json:"last_accessed_at"`
	ExpiresAt           *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

func (Entry) TableName() string { return "generation_cache" }

func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Index is the deduplication layer over generation results. Population races are
// tolerated rather than serialized: the last writer's response wins and every writer
// counts.
type Index struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewIndex returns an Index whose entries expire after ttl; zero means never.
func NewIndex(db *gorm.DB, ttl time.Duration) *Index {
	return &Index{db: db, ttl: ttl}
}

// Lookup returns the live entry for hash. Expired entries are misses.
func (x *Index) Lookup(ctx context.Context, hash string) (*Entry, bool, error) {
	var e Entry
	if err := x.db.WithContext(ctx).First(&e, "prompt_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if e.Expired(time.Now().UTC()) {
		return nil, false, nil
	}
	return &e, true, nil
}

type RecordParams struct {
	PromptHash      string
	PromptText      string
	ResponseText    string
	ModelID         string
	Latency         time.Duration
	TokenCount      int64
	Embedding       []float32
	SourceMessageID string
	SourceOwner     identity.Identity
}

// Record stores a freshly generated response. A new entry starts at hit_count 1,
// the response having been served once; a racing writer overwrites the response and
// adds its own serve to hit_count. Source references stay with the first writer.
func (x *Index) Record(ctx context.Context, p RecordParams) (*Entry, error) {
	now := time.Now().UTC()
	e := &Entry{
		PromptHash:          p.PromptHash,
		PromptText:          p.PromptText,
		ResponseText:        p.ResponseText,
		ModelID:             p.ModelID,
		HitCount:            1,
		GenerationLatencyMs: p.Latency.Milliseconds(),
		TokenCount:          p.TokenCount,
		Embedding:           p.Embedding,
		SourceMessageID:     p.SourceMessageID,
		CreatedAt:           now,
		LastAccessedAt:      now,
	}
	if p.SourceOwner.ID != "" {
		e.SourceOwner = p.SourceOwner.String()
	}
	if x.ttl > 0 {
		exp := now.Add(x.ttl)
		e.ExpiresAt = &exp
	}

	set := clause.AssignmentColumns([]string{
		"prompt_text", "response_text", "model_id", "generation_latency_ms", "token_count",
		"embedding", "last_accessed_at", "expires_at",
	})
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "hit_count"},
		Value:  gorm.Expr("generation_cache.hit_count + 1"),
	})

	err := x.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "prompt_hash"}},
		DoUpdates: set,
	}).Create(e).Error
	if err != nil {
		return nil, err
	}

	var stored Entry
	if err := x.db.WithContext(ctx).First(&stored, "prompt_hash = ?", p.PromptHash).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// TouchHit counts one more reuse of hash and returns the updated entry.
func (x *Index) TouchHit(ctx context.Context, hash string) (*Entry, error) {
	res := x.db.WithContext(ctx).Model(&Entry{}).
		Where("prompt_hash = ?", hash).
		Updates(map[string]any{
			"hit_count":        gorm.Expr("hit_count + ?", 1),
			"last_accessed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("prompt %s: %w", hash, common.ErrNotFound)
	}
	var e Entry
	if err := x.db.WithContext(ctx).First(&e, "prompt_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// AttachSource points an entry at the message that first served it, unless it already
// points somewhere.
func (x *Index) AttachSource(ctx context.Context, hash, messageID string) error {
	return x.db.WithContext(ctx).Model(&Entry{}).
		Where("prompt_hash = ? AND (source_message_id = '' OR source_message_id IS NULL)", hash).
		Update("source_message_id", messageID).Error
}

// RetargetOwner moves weak references from one owner to another. It runs inside the
// caller's transaction so references move together with the rows they point at.
func RetargetOwner(tx *gorm.DB, from, to identity.Identity) (int64, error) {
	res := tx.Model(&Entry{}).
		Where("source_owner = ?", from.String()).
		Update("source_owner", to.String())
	return res.RowsAffected, res.Error
}

// PurgeExpired deletes entries that expired before now.
func (x *Index) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := x.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&Entry{})
	return res.RowsAffected, res.Error
}

func Models() []any { return []any{&Entry{}} }
