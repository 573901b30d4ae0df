package router

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
)

type purchaseHandler struct {
	writer Writer
}

func (h *purchaseHandler) Handle(ctx context.Context, envelope types.Envelope, payload any) error {
	row := types.PurchaseEventRow{
		EventID:    envelope.EventID,
		EventType:  string(envelope.EventType),
		OccurredAt: envelope.OccurredAt.UTC(),
	}

	switch event := payload.(type) {
	case *payloads.PurchaseSucceededEvent:
		row.PurchaseID = event.PurchaseID.String()
		row.UserID = event.UserID
		row.ProviderSessionID = event.ProviderSessionID
		row.PackageCode = optional(event.PackageCode)
		row.TotalCredits = &event.TotalCredits
		row.PriceUSDCents = &event.PriceUSDCents
		if event.LedgerEntryID != uuid.Nil {
			row.LedgerEntryID = optional(event.LedgerEntryID.String())
		}
	case *payloads.PurchaseFailedEvent:
		row.PurchaseID = event.PurchaseID.String()
		row.UserID = event.UserID
		row.ProviderSessionID = event.ProviderSessionID
		row.FailureReason = optional(event.Reason)
	default:
		return fmt.Errorf("unexpected payload %T for %s", payload, envelope.EventType)
	}

	return h.writer.InsertPurchaseEvent(ctx, row)
}
