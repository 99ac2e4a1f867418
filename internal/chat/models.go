package chat

import (
	"time"

	"github.com/suPer8Hu/convcache/internal/identity"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Conversation is the current conversation of one owner in one session scope.
// ContentHash = identity.ConversationHash(owner, scope) and is unique per store.
type Conversation struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerKind      string    `gorm:"type:varchar(16);not null;index:idx_conv_owner,priority:1" json:"owner_kind"`
	OwnerID        string    `gorm:"type:varchar(64);not null;index:idx_conv_owner,priority:2" json:"owner_id"`
	Scope          string    `gorm:"type:varchar(64);not null" json:"scope"`
	Title          string    `gorm:"type:varchar(255)" json:"title"`
	MessageCount   int64     `gorm:"not null;default:0" json:"message_count"`
	TotalTokens    int64     `gorm:"not null;default:0" json:"total_tokens"`
	ContentHash    string    `gorm:"type:char(64);uniqueIndex;not null" json:"content_hash"`
	MigratedFrom   string    `gorm:"type:varchar(80);index" json:"migrated_from,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `gorm:"index" json:"last_accessed_at"`
}

func (Conversation) TableName() string { return "conversations" }

func (c *Conversation) Owner() identity.Identity {
	return identity.Identity{Kind: identity.Kind(c.OwnerKind), ID: c.OwnerID}
}

// Message is one entry of a conversation. Sequence is gapless and zero-based per
// conversation.
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:36;not null;index:uniq_msg_conv_seq,unique,priority:1" json:"conversation_id"`
	Sequence       int64     `gorm:"not null;index:uniq_msg_conv_seq,unique,priority:2" json:"sequence"`
	OwnerKind      string    `gorm:"type:varchar(16);not null;index:idx_msg_owner,priority:1" json:"-"`
	OwnerID        string    `gorm:"type:varchar(64);not null;index:idx_msg_owner,priority:2" json:"-"`
	Role           Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	ContentHash    string    `gorm:"type:char(64);index;not null" json:"content_hash"`
	TokenCount     int64     `gorm:"not null;default:0" json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "conversation_messages" }

// ConversationPatch carries optional updates applied on upsert.
type ConversationPatch struct {
	Title *string
}

// Models lists the tables this package owns, for migrations.
func Models() []any { return []any{&Conversation{}, &Message{}} }
