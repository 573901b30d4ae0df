package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// RateCard is a published pricing version. Models holds the per-model price
// table as JSON keyed by normalised model id.
type RateCard struct {
	Version          string             `gorm:"column:version;primaryKey"`
	Currency         string             `gorm:"column:currency;not null"`
	CreditsPerDollar int64              `gorm:"column:credits_per_dollar;not null"`
	Markup           decimal.Decimal    `gorm:"column:markup;type:numeric(38,6);not null"`
	RoundingMode     enums.RoundingMode `gorm:"column:rounding_mode;not null"`
	EffectiveFrom    time.Time          `gorm:"column:effective_from;not null"`
	Models           datatypes.JSON     `gorm:"column:models;type:jsonb;not null"`
	PublishedBy      *string            `gorm:"column:published_by"`
	PublishedAt      time.Time          `gorm:"column:published_at;not null"`
}

func (RateCard) TableName() string { return "rate_cards" }
