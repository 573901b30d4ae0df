package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/writer"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
)

type ledgerEntryHandler struct {
	writer Writer
	logg   *logger.Logger
}

func (h *ledgerEntryHandler) Handle(ctx context.Context, envelope types.Envelope, payload any) error {
	event, ok := payload.(*payloads.LedgerEntryAppendedEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, envelope.EventType)
	}

	row, err := buildLedgerEntryRow(envelope, event)
	if err != nil {
		return err
	}
	if row.Model == nil && len(event.Metadata) > 0 && event.Kind == string(enums.LedgerEntryDebit) {
		h.logg.Warn(h.logg.WithField(ctx, "entry_id", row.EntryID), "debit entry has no model metadata")
	}
	return h.writer.InsertLedgerEntry(ctx, row)
}

func buildLedgerEntryRow(envelope types.Envelope, event *payloads.LedgerEntryAppendedEvent) (types.LedgerEntryRow, error) {
	kind, err := enums.ParseLedgerEntryKind(event.Kind)
	if err != nil {
		return types.LedgerEntryRow{}, err
	}
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return types.LedgerEntryRow{}, fmt.Errorf("amount: %w", err)
	}
	balanceAfter, err := decimal.NewFromString(event.BalanceAfter)
	if err != nil {
		return types.LedgerEntryRow{}, fmt.Errorf("balance after: %w", err)
	}
	metadata, err := writer.EncodeJSON(nonEmptyJSON(event.Metadata))
	if err != nil {
		return types.LedgerEntryRow{}, err
	}

	occurredAt := event.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = envelope.OccurredAt
	}

	signed := models.LedgerEntry{Kind: kind, Amount: amount}.SignedEffect()
	fields := metadataFields(event.Metadata)
	return types.LedgerEntryRow{
		EventID:         envelope.EventID,
		EntryID:         event.EntryID.String(),
		UserID:          event.UserID,
		Sequence:        event.Sequence,
		Kind:            string(kind),
		Amount:          amount.Rat(),
		SignedAmount:    signed.Rat(),
		BalanceAfter:    balanceAfter.Rat(),
		ReferenceType:   event.ReferenceType,
		ReferenceID:     event.ReferenceID,
		Model:           optional(fields.Model),
		RateCardVersion: optional(fields.RateCardVersion),
		Metadata:        metadata,
		OccurredAt:      occurredAt.UTC(),
	}, nil
}

type entryMetadata struct {
	Model           string `json:"model"`
	RateCardVersion string `json:"rate_card_version"`
}

// metadataFields pulls the pricing keys usage debits carry. Other entries
// have unrelated or no metadata, which yields empty fields.
func metadataFields(raw json.RawMessage) entryMetadata {
	var fields entryMetadata
	if len(bytes.TrimSpace(raw)) == 0 {
		return fields
	}
	_ = json.Unmarshal(raw, &fields)
	return fields
}

func nonEmptyJSON(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return raw
}
