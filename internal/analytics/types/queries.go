package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageQueryRequest scopes an admin usage report. An empty UserID covers
// every account.
type UsageQueryRequest struct {
	UserID string
	Start  time.Time
	End    time.Time
}

// DailyUsagePoint sums ledger movement for one UTC day.
type DailyUsagePoint struct {
	Date     string          `json:"date"`
	Debited  decimal.Decimal `json:"debited"`
	Credited decimal.Decimal `json:"credited"`
	Requests int64           `json:"requests"`
}

// ModelUsage is a top-N entry of credits consumed per model.
type ModelUsage struct {
	Model    string          `json:"model"`
	Credits  decimal.Decimal `json:"credits"`
	Requests int64           `json:"requests"`
}

// PurchaseTotals aggregates succeeded purchases in the window.
type PurchaseTotals struct {
	Count           int64 `json:"count"`
	Credits         int64 `json:"credits"`
	RevenueUSDCents int64 `json:"revenueUsdCents"`
}

// UsageQueryResponse is the admin usage dashboard payload.
type UsageQueryResponse struct {
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
	Daily     []DailyUsagePoint `json:"daily"`
	TopModels []ModelUsage      `json:"topModels"`
	Purchases PurchaseTotals    `json:"purchases"`
}
