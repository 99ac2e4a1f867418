package migration

import "time"

type Stage string

const (
	StageInitiated            Stage = "initiated"
	StageOwnershipTransferred Stage = "ownership_transferred"
	StageReplicated           Stage = "replicated"
	StageAuditLogged          Stage = "audit_logged"
	StageFailed               Stage = "failed"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Stage) Status() Status {
	switch s {
	case StageAuditLogged:
		return StatusCompleted
	case StageFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Record is the audit entry of one (from, to) migration. Counts are written only in the
// ownership transfer transaction, so ConversationsMigrated > 0 means the transfer
// committed.
type Record struct {
	ID                    string     `gorm:"primaryKey;size:36" json:"id"`
	FromIdentity          string     `gorm:"type:varchar(80);not null;index:uniq_migration_pair,unique,priority:1" json:"from_identity"`
	ToIdentity            string     `gorm:"type:varchar(80);not null;index:uniq_migration_pair,unique,priority:2" json:"to_identity"`
	Stage                 Stage      `gorm:"type:varchar(32);not null" json:"stage"`
	Status                Status     `gorm:"type:varchar(16);not null;index" json:"status"`
	ConversationsMigrated int64      `gorm:"not null;default:0" json:"conversations_migrated"`
	MessagesMigrated      int64      `gorm:"not null;default:0" json:"messages_migrated"`
	Attempts              int        `gorm:"not null;default:0" json:"attempts"`
	Detail                string     `gorm:"type:text" json:"detail,omitempty"`
	StartedAt             time.Time  `json:"started_at"`
	ClaimedAt             time.Time  `gorm:"index" json:"-"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (Record) TableName() string { return "migration_records" }

func (r *Record) Transferred() bool { return r.ConversationsMigrated > 0 }

func Models() []any { return []any{&Record{}} }

// Result is what callers see of a migration.
type Result struct {
	MigrationID           string     `json:"migration_id"`
	From                  string     `json:"from"`
	To                    string     `json:"to"`
	Status                Status     `json:"status"`
	Stage                 Stage      `json:"stage"`
	ConversationsMigrated int64      `json:"conversations_migrated"`
	MessagesMigrated      int64      `json:"messages_migrated"`
	Attempts              int        `json:"attempts"`
	Detail                string     `json:"detail,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	// Replayed is set when the call returned an earlier completed migration unchanged.
	Replayed bool `json:"replayed"`
}

func resultOf(rec *Record, replayed bool) *Result {
	return &Result{
		MigrationID:           rec.ID,
		From:                  rec.FromIdentity,
		To:                    rec.ToIdentity,
		Status:                rec.Status,
		Stage:                 rec.Stage,
		ConversationsMigrated: rec.ConversationsMigrated,
		MessagesMigrated:      rec.MessagesMigrated,
		Attempts:              rec.Attempts,
		Detail:                rec.Detail,
		CompletedAt:           rec.CompletedAt,
		Replayed:              replayed,
	}
}
