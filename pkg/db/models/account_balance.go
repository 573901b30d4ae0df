package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountBalance is the running total cached per user. Only the balance
// projector writes it, inside the same transaction as the ledger append.
type AccountBalance struct {
	UserID    string          `gorm:"column:user_id;primaryKey"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(38,6);not null"`
	Version   int64           `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt time.Time       `gorm:"column:updated_at;not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }
