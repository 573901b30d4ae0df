package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// Purchase tracks one payment attempt for a credit package.
type Purchase struct {
	ID                      uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	UserID                  string               `gorm:"column:user_id;not null;index"`
	PackageCode             string               `gorm:"column:package_code;not null"`
	PriceUSDCents           int64                `gorm:"column:price_usd_cents;not null"`
	BaseCredits             int64                `gorm:"column:base_credits;not null"`
	BonusCredits            int64                `gorm:"column:bonus_credits;not null"`
	TotalCredits            int64                `gorm:"column:total_credits;not null"`
	Status                  enums.PurchaseStatus `gorm:"column:status;not null"`
	ProviderSessionID       string               `gorm:"column:provider_session_id;not null;uniqueIndex"`
	ProviderPaymentIntentID *string              `gorm:"column:provider_payment_intent_id"`
	LedgerEntryID           *uuid.UUID           `gorm:"column:ledger_entry_id;type:uuid"`
	FailureReason           *string              `gorm:"column:failure_reason"`
	CreatedAt               time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (Purchase) TableName() string { return "purchases" }
