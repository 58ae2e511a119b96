package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerEntry mirrors the ledger_entries table. Rows are append-only;
// nothing updates or deletes them.
type LedgerEntry struct {
	EntryID      string `gorm:"type:uuid;primaryKey"`
	AccountID    string `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	MinutesDelta int    `gorm:"not null"`
	Source       string `gorm:"not null"`
	Reference    *string
	OperatorID   *string
	Notes        *string
	Metadata     datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ConfigEntry mirrors the config key/value table. List-typed settings
// hold JSON-encoded values.
type ConfigEntry struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string `gorm:"not null"`
}

func (ConfigEntry) TableName() string { return "config" }

// Ticket mirrors the tickets table. The one-non-expired-ticket-per-day
// rule is enforced inside the recording transaction, not by a
// constraint, because forced and manual insertions may duplicate dates.
type Ticket struct {
	TicketID         string `gorm:"type:uuid;primaryKey"`
	AccountID        string `gorm:"not null;index:idx_tickets_account_date,priority:1"`
	TicketDate       string `gorm:"not null;index:idx_tickets_account_date,priority:2"`
	Source           string `gorm:"not null"`
	SessionReference *string
	AmountFCFA       *int
	SequenceID       string `gorm:"type:uuid;not null;index"`
	Expired          bool   `gorm:"not null;default:false"`
	Notes            *string
	CreatedAt        time.Time `gorm:"not null"`
}

func (Ticket) TableName() string { return "tickets" }

func (ticket *Ticket) BeforeCreate(tx *gorm.DB) error {
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	return nil
}

// Sequence mirrors the sequences table.
type Sequence struct {
	SequenceID string    `gorm:"type:uuid;primaryKey"`
	AccountID  string    `gorm:"not null;index"`
	StartDate  string    `gorm:"not null"`
	Status     string    `gorm:"not null;default:active"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Sequence) TableName() string { return "sequences" }

func (sequence *Sequence) BeforeCreate(tx *gorm.DB) error {
	if sequence.SequenceID == "" {
		sequence.SequenceID = uuid.NewString()
	}
	return nil
}

// RewardGrant mirrors the grants table. The unique index over
// (account_id, grant_type, source_reference) makes duplicate evaluation
// lose the race at the constraint.
type RewardGrant struct {
	GrantID         string `gorm:"type:uuid;primaryKey"`
	AccountID       string `gorm:"not null;index:uniq_grant_account_type_ref,unique,priority:1"`
	GrantType       string `gorm:"not null;index:uniq_grant_account_type_ref,unique,priority:2"`
	TicketsCount    int    `gorm:"not null"`
	MinutesAwarded  int    `gorm:"not null"`
	ExpiryAt        *time.Time
	SourceReference string `gorm:"not null;index:uniq_grant_account_type_ref,unique,priority:3"`
	Used            int    `gorm:"not null;default:0"`
	Notes           *string
	CreatedAt       time.Time `gorm:"not null"`
}

func (RewardGrant) TableName() string { return "grants" }

func (grant *RewardGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// Client mirrors the legacy clients table, a distinct identifier space
// kept for venues still running the old desktop build.
type Client struct {
	ClientID  string    `gorm:"primaryKey;column:client_id"`
	Name      *string   `gorm:"column:name"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Client) TableName() string { return "clients" }

// BonusHistoryEntry mirrors the legacy bonus_history table: different
// column names than the ledger and no running balance.
type BonusHistoryEntry struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	ClientID      string  `gorm:"not null;index"`
	Type          string  `gorm:"not null"`
	MinutesChange int     `gorm:"not null"`
	MontantFCFA   *int    `gorm:"column:montant_fcfa"`
	Source        *string `gorm:"column:source"`
	Note          *string `gorm:"column:note"`
	CreatedAt     time.Time
}

func (BonusHistoryEntry) TableName() string { return "bonus_history" }

func (entry *BonusHistoryEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}
