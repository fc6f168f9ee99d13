package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	AccountID    string         `gorm:"not null;index:idx_ledger_account_created,priority:1;index:idx_ledger_account_kind_day,priority:1"`
	Kind         string         `gorm:"not null;index:uniq_entry_reference,unique,priority:1;index:idx_ledger_account_kind_day,priority:2"`
	ReferenceID  string         `gorm:"not null;index:uniq_entry_reference,unique,priority:2"`
	AmountCoins  int64          `gorm:"not null"`
	StoryID      *string        `gorm:"index:idx_ledger_story"`
	EffectiveDay string         `gorm:"not null;index:idx_ledger_account_kind_day,priority:3"`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// DepositRequest mirrors the deposit_requests table.
type DepositRequest struct {
	RequestID      string          `gorm:"primaryKey"`
	UserID         string          `gorm:"not null;index:idx_deposit_user_status,priority:1"`
	Status         string          `gorm:"not null;index:idx_deposit_user_status,priority:2;index:idx_deposit_status"`
	AmountCurrency decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency       string          `gorm:"not null"`
	AmountCoins    int64           `gorm:"not null"`
	Method         string          `gorm:"not null"`
	TransferCode   string          `gorm:"not null"`
	AdminNote      string          `gorm:"not null;default:''"`
	ReviewerID     string          `gorm:"not null;default:''"`
	CreatedAt      time.Time       `gorm:"not null"`
	ResolvedAt     *time.Time
}

func (DepositRequest) TableName() string { return "deposit_requests" }

// WithdrawalRequest mirrors the withdrawal_requests table.
type WithdrawalRequest struct {
	RequestID      string          `gorm:"primaryKey"`
	AuthorID       string          `gorm:"not null;index:idx_withdrawal_author_status,priority:1"`
	Status         string          `gorm:"not null;index:idx_withdrawal_author_status,priority:2;index:idx_withdrawal_status"`
	AmountCoins    int64           `gorm:"not null"`
	AmountCurrency decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency       string          `gorm:"not null"`
	BankDetails    string          `gorm:"not null"`
	AdminNote      string          `gorm:"not null;default:''"`
	ReviewerID     string          `gorm:"not null;default:''"`
	CreatedAt      time.Time       `gorm:"not null"`
	ResolvedAt     *time.Time
}

func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &DepositRequest{}, &WithdrawalRequest{}}
}

// AutoMigrate creates the schema for development databases (sqlite).
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
