package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// LedgerEntry is one immutable balance-affecting event. Rows are only ever
// inserted; corrections are new adjustment or reversal rows.
type LedgerEntry struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	UserID        string                `gorm:"column:user_id;not null"`
	Sequence      int64                 `gorm:"column:sequence;not null"`
	Kind          enums.LedgerEntryKind `gorm:"column:kind;not null"`
	Amount        decimal.Decimal       `gorm:"column:amount;type:numeric(38,6);not null"`
	BalanceAfter  decimal.Decimal       `gorm:"column:balance_after;type:numeric(38,6);not null"`
	ReferenceType enums.ReferenceType   `gorm:"column:reference_type;not null"`
	ReferenceID   string                `gorm:"column:reference_id;not null"`
	Metadata      datatypes.JSON        `gorm:"column:metadata;type:jsonb"`
	CreatedAt     time.Time             `gorm:"column:created_at;not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// SignedEffect is the entry's contribution to the account balance. Debits
// store a positive magnitude; every other kind stores its signed effect.
func (e LedgerEntry) SignedEffect() decimal.Decimal {
	if e.Kind == enums.LedgerEntryDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}
