package types

import (
	"math/big"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
)

// LedgerEntryRow mirrors the ledger_entries BigQuery schema. Amounts are
// NUMERIC columns.
type LedgerEntryRow struct {
	EventID         string             `bigquery:"event_id"`
	EntryID         string             `bigquery:"entry_id"`
	UserID          string             `bigquery:"user_id"`
	Sequence        int64              `bigquery:"sequence"`
	Kind            string             `bigquery:"kind"`
	Amount          *big.Rat           `bigquery:"amount"`
	SignedAmount    *big.Rat           `bigquery:"signed_amount"`
	BalanceAfter    *big.Rat           `bigquery:"balance_after"`
	ReferenceType   string             `bigquery:"reference_type"`
	ReferenceID     string             `bigquery:"reference_id"`
	Model           *string            `bigquery:"model"`
	RateCardVersion *string            `bigquery:"rate_card_version"`
	Metadata        cbigquery.NullJSON `bigquery:"metadata"`
	OccurredAt      time.Time          `bigquery:"occurred_at"`
}

// PurchaseEventRow mirrors the purchase_events BigQuery schema. Succeeded and
// failed purchases share the table and are told apart by event_type.
type PurchaseEventRow struct {
	EventID           string    `bigquery:"event_id"`
	EventType         string    `bigquery:"event_type"`
	PurchaseID        string    `bigquery:"purchase_id"`
	UserID            string    `bigquery:"user_id"`
	ProviderSessionID string    `bigquery:"provider_session_id"`
	PackageCode       *string   `bigquery:"package_code"`
	TotalCredits      *int64    `bigquery:"total_credits"`
	PriceUSDCents     *int64    `bigquery:"price_usd_cents"`
	LedgerEntryID     *string   `bigquery:"ledger_entry_id"`
	FailureReason     *string   `bigquery:"failure_reason"`
	OccurredAt        time.Time `bigquery:"occurred_at"`
}
