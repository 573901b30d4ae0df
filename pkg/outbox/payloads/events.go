package payloads

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LedgerEntryAppendedEvent describes a committed ledger entry. Amounts are
// decimal strings so consumers never round-trip through floats.
type LedgerEntryAppendedEvent struct {
	EntryID       uuid.UUID       `json:"entryId"`
	UserID        string          `json:"userId"`
	Sequence      int64           `json:"sequence"`
	Kind          string          `json:"kind"`
	Amount        string          `json:"amount"`
	BalanceAfter  string          `json:"balanceAfter"`
	ReferenceType string          `json:"referenceType"`
	ReferenceID   string          `json:"referenceId"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// PurchaseSucceededEvent is emitted once per fulfilled purchase.
type PurchaseSucceededEvent struct {
	PurchaseID        uuid.UUID `json:"purchaseId"`
	UserID            string    `json:"userId"`
	PackageCode       string    `json:"packageCode"`
	TotalCredits      int64     `json:"totalCredits"`
	PriceUSDCents     int64     `json:"priceUsdCents"`
	ProviderSessionID string    `json:"providerSessionId"`
	LedgerEntryID     uuid.UUID `json:"ledgerEntryId"`
}

// PurchaseFailedEvent is emitted when a payment attempt is abandoned.
type PurchaseFailedEvent struct {
	PurchaseID        uuid.UUID `json:"purchaseId"`
	UserID            string    `json:"userId"`
	ProviderSessionID string    `json:"providerSessionId"`
	Reason            string    `json:"reason"`
}

// RateCardPublishedEvent announces a new pricing version.
type RateCardPublishedEvent struct {
	Version       string    `json:"version"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
	RoundingMode  string    `json:"roundingMode"`
	Markup        string    `json:"markup"`
	Models        []string  `json:"models"`
}
