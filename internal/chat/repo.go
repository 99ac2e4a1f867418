package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/dedup"
	"github.com/suPer8Hu/convcache/internal/identity"
)

// Tier says which store a Repo fronts. Both share the schema; the authoritative tier
// never holds anonymous-owned rows.
type Tier string

const (
	TierCold          Tier = "cold"
	TierAuthoritative Tier = "authoritative"
)

const maxAppendAttempts = 5

var errSequenceRace = errors.New("sequence race")

// ErrOwnerChanged means the conversation no longer belongs to the appending owner,
// typically because a migration moved it.
var ErrOwnerChanged = errors.New("conversation owner changed")

type Repo struct {
	db    *gorm.DB
	tier  Tier
	locks *common.KeyedMutex
}

func NewRepo(db *gorm.DB, tier Tier) *Repo {
	return &Repo{db: db, tier: tier, locks: common.NewKeyedMutex()}
}

func (r *Repo) Tier() Tier { return r.tier }

// DB exposes the store's handle for tables that live beside the conversations.
func (r *Repo) DB() *gorm.DB { return r.db }

// Transaction runs fn in one database transaction on this store.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func (r *Repo) checkOwner(owner identity.Identity) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if r.tier == TierAuthoritative && owner.IsAnonymous() {
		return common.Integrity("authoritative store cannot own anonymous identity %s", owner)
	}
	return nil
}

// UpsertConversation returns the owner's current conversation for scope, creating it
// if absent. Concurrent callers converge on one row.
func (r *Repo) UpsertConversation(ctx context.Context, owner identity.Identity, scope string, patch ConversationPatch) (*Conversation, error) {
	if err := r.checkOwner(owner); err != nil {
		return nil, err
	}
	hash := identity.ConversationHash(owner, scope)

	existing, err := r.FindByHash(ctx, hash)
	switch {
	case err == nil:
		if patch.Title != nil && *patch.Title != existing.Title {
			if err := r.db.WithContext(ctx).Model(&Conversation{}).
				Where("id = ?", existing.ID).
				Update("title", *patch.Title).Error; err != nil {
				return nil, err
			}
			existing.Title = *patch.Title
		}
		return existing, nil
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:             uuid.NewString(),
		OwnerKind:      string(owner.Kind),
		OwnerID:        owner.ID,
		Scope:          scope,
		ContentHash:    hash,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if patch.Title != nil {
		conv.Title = *patch.Title
	}

	err = r.db.WithContext(ctx).Create(conv).Error
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}
	// lost the create race; the winner's row is the conversation
	return r.FindByHash(ctx, hash)
}

// NewMessage is the caller-supplied part of a Message.
type NewMessage struct {
	Role       Role
	Content    string
	TokenCount int64
}

// AppendMessage stores msg as the next message of owner's conversation. Sequence
// assignment is serialized per conversation: in process by a keyed lock, across
// processes by a conditional increment of message_count in the same transaction as
// the insert. A conversation that changed owner yields ErrOwnerChanged.
func (r *Repo) AppendMessage(ctx context.Context, owner identity.Identity, conversationID string, msg NewMessage) (*Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", msg.Role)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		m, err := r.appendOnce(ctx, owner, conversationID, msg)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, errSequenceRace) && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A duplicate is only a race if someone else advanced the counter past
			// the sequence we tried; otherwise the rows disagree with the counter.
			conv, getErr := r.Get(ctx, conversationID)
			if getErr != nil {
				return nil, getErr
			}
			if conv.MessageCount <= m.Sequence {
				return nil, common.Integrity("conversation %s: sequence %d already stored but message_count is %d",
					conversationID, m.Sequence, conv.MessageCount)
			}
		}
	}
	return nil, common.Integrity("conversation %s: could not assign sequence after %d attempts", conversationID, maxAppendAttempts)
}

// appendOnce returns the attempted message alongside a duplicate-key error so the
// caller can inspect the sequence it collided on.
func (r *Repo) appendOnce(ctx context.Context, owner identity.Identity, conversationID string, in NewMessage) (*Message, error) {
	var out *Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.First(&conv, "id = ?", conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("conversation %s: %w", conversationID, common.ErrNotFound)
			}
			return err
		}
		if conv.Owner() != owner {
			return fmt.Errorf("conversation %s: %w", conversationID, ErrOwnerChanged)
		}
		if err := r.checkOwner(owner); err != nil {
			return err
		}

		now := time.Now().UTC()
		out = &Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Sequence:       conv.MessageCount,
			OwnerKind:      conv.OwnerKind,
			OwnerID:        conv.OwnerID,
			Role:           in.Role,
			Content:        in.Content,
			ContentHash:    dedup.ContentHash(in.Content),
			TokenCount:     in.TokenCount,
			CreatedAt:      now,
		}
		if err := tx.Create(out).Error; err != nil {
			return err
		}

		res := tx.Model(&Conversation{}).
			Where("id = ? AND message_count = ? AND owner_kind = ? AND owner_id = ?",
				conv.ID, conv.MessageCount, conv.OwnerKind, conv.OwnerID).
			Updates(map[string]any{
				"message_count":    gorm.Expr("message_count + ?", 1),
				"total_tokens":     gorm.Expr("total_tokens + ?", in.TokenCount),
				"last_accessed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSequenceRace
		}
		return nil
	})
	return out, err
}

// ListMessages returns every message of the conversation in sequence order.
func (r *Repo) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Snapshot reads a conversation and all its messages in one transaction, so the
// count and the rows agree.
func (r *Repo) Snapshot(ctx context.Context, id string) (*Conversation, []Message, error) {
	var conv Conversation
	var msgs []Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conv, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("conversation %s: %w", id, common.ErrNotFound)
			}
			return err
		}
		return tx.Where("conversation_id = ?", id).Order("sequence ASC").Find(&msgs).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &conv, msgs, nil
}

// ListRecentMessages returns the last limit messages, oldest first.
func (r *Repo) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, common.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) FindByHash(ctx context.Context, hash string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).Where("content_hash = ?", hash).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindByScope returns owner's current conversation in scope.
func (r *Repo) FindByScope(ctx context.Context, owner identity.Identity, scope string) (*Conversation, error) {
	return r.FindByHash(ctx, identity.ConversationHash(owner, scope))
}

// FindByOwner returns the owner's most recently used conversation.
func (r *Repo) FindByOwner(ctx context.Context, owner identity.Identity) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID).
		Order("last_accessed_at DESC").
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListByOwner(ctx context.Context, owner identity.Identity) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID).
		Order("created_at ASC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// ListMigratedFrom returns conversations whose ownership moved from `from` to `to`.
func (r *Repo) ListMigratedFrom(ctx context.Context, from, to identity.Identity) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("migrated_from = ? AND owner_kind = ? AND owner_id = ?", from.String(), to.Kind, to.ID).
		Order("created_at ASC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// ListIdle returns up to limit conversations of the given owner kind not accessed
// since before.
func (r *Repo) ListIdle(ctx context.Context, kind identity.Kind, before time.Time, limit int) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("owner_kind = ? AND last_accessed_at < ?", kind, before).
		Order("last_accessed_at ASC").
		Limit(limit).
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *Repo) Touch(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("last_accessed_at", time.Now().UTC()).Error
}

// DeleteByOwner removes every conversation and message owned by owner.
func (r *Repo) DeleteByOwner(ctx context.Context, owner identity.Identity) (conversations, messages int64, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID).Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		messages = res.RowsAffected

		res = tx.Where("owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID).Delete(&Conversation{})
		if res.Error != nil {
			return res.Error
		}
		conversations = res.RowsAffected
		return nil
	})
	return conversations, messages, err
}

// DeleteConversation removes one conversation and its messages.
func (r *Repo) DeleteConversation(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Conversation{}).Error
	})
}

// ReplicateConversation copies conv and msgs verbatim, keyed by their original ids.
// A conversation already present is left alone: replication writes a conversation and
// all its messages in one transaction, so presence means it is complete, and rows
// appended since must not be overwritten. Reports whether anything was written.
func (r *Repo) ReplicateConversation(ctx context.Context, conv *Conversation, msgs []Message) (bool, error) {
	if r.tier != TierAuthoritative {
		return false, fmt.Errorf("replicate into %s store: only the authoritative store is a replica", r.tier)
	}
	if err := r.checkOwner(conv.Owner()); err != nil {
		return false, err
	}
	if err := VerifySequence(msgs); err != nil {
		return false, err
	}
	if int64(len(msgs)) != conv.MessageCount {
		return false, common.Integrity("conversation %s: %d messages but message_count %d", conv.ID, len(msgs), conv.MessageCount)
	}

	wrote := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Conversation{}).Where("id = ?", conv.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		c := *conv
		if err := tx.Create(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return common.Integrity("conversation %s: content hash already used by another conversation", conv.ID)
			}
			return err
		}
		if len(msgs) > 0 {
			rows := make([]Message, len(msgs))
			copy(rows, msgs)
			for i := range rows {
				rows[i].OwnerKind = conv.OwnerKind
				rows[i].OwnerID = conv.OwnerID
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 200).Error; err != nil {
				return err
			}
		}
		wrote = true
		return nil
	})
	return wrote, err
}

// TransferOwnership moves every conversation and message of from to to. It must run
// inside the caller's transaction. A conversation whose natural hash for to is already
// used, in this store or in reserved, gets a hash qualified by from so both
// conversations survive. reserved is computed before the transaction opens, see
// TransferHashes.
func TransferOwnership(tx *gorm.DB, from, to identity.Identity, reserved map[string]bool) (conversations, messages int64, err error) {
	var convs []Conversation
	if err := tx.Where("owner_kind = ? AND owner_id = ?", from.Kind, from.ID).
		Order("created_at ASC").
		Find(&convs).Error; err != nil {
		return 0, 0, err
	}

	var expected int64
	for _, c := range convs {
		hash := identity.ConversationHash(to, c.Scope)
		taken, err := hashTaken(tx, hash, reserved)
		if err != nil {
			return 0, 0, err
		}
		if taken {
			hash = identity.ConversationHash(to, c.Scope+"\x00"+from.String())
		}

		res := tx.Model(&Conversation{}).
			Where("id = ? AND owner_kind = ? AND owner_id = ?", c.ID, from.Kind, from.ID).
			Updates(map[string]any{
				"owner_kind":    to.Kind,
				"owner_id":      to.ID,
				"content_hash":  hash,
				"migrated_from": from.String(),
			})
		if res.Error != nil {
			return 0, 0, res.Error
		}
		if res.RowsAffected != 1 {
			return 0, 0, common.Integrity("conversation %s changed owner during transfer", c.ID)
		}
		expected += c.MessageCount
	}

	res := tx.Model(&Message{}).
		Where("owner_kind = ? AND owner_id = ?", from.Kind, from.ID).
		Updates(map[string]any{"owner_kind": to.Kind, "owner_id": to.ID})
	if res.Error != nil {
		return 0, 0, res.Error
	}
	if res.RowsAffected != expected {
		return 0, 0, common.Integrity("transfer %s -> %s: moved %d messages, conversations count %d",
			from, to, res.RowsAffected, expected)
	}
	return int64(len(convs)), res.RowsAffected, nil
}

func hashTaken(tx *gorm.DB, hash string, reserved map[string]bool) (bool, error) {
	if reserved[hash] {
		return true, nil
	}
	var n int64
	if err := tx.Model(&Conversation{}).Where("content_hash = ?", hash).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// TransferHashes lists the natural hashes from's conversations would take under to.
func (r *Repo) TransferHashes(ctx context.Context, from, to identity.Identity) ([]string, error) {
	var scopes []string
	if err := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("owner_kind = ? AND owner_id = ?", from.Kind, from.ID).
		Distinct().
		Pluck("scope", &scopes).Error; err != nil {
		return nil, err
	}
	hashes := make([]string, len(scopes))
	for i, sc := range scopes {
		hashes[i] = identity.ConversationHash(to, sc)
	}
	return hashes, nil
}

// HashesInUse returns the subset of hashes held by conversations in this store.
func (r *Repo) HashesInUse(ctx context.Context, hashes []string) (map[string]bool, error) {
	used := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return used, nil
	}
	var found []string
	if err := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("content_hash IN ?", hashes).
		Pluck("content_hash", &found).Error; err != nil {
		return nil, err
	}
	for _, h := range found {
		used[h] = true
	}
	return used, nil
}

// VerifySequence checks that msgs is a zero-based, gapless, strictly increasing run.
func VerifySequence(msgs []Message) error {
	for i, m := range msgs {
		if m.Sequence != int64(i) {
			return common.Integrity("conversation %s: position %d has sequence %d", m.ConversationID, i, m.Sequence)
		}
	}
	return nil
}
