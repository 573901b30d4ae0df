package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/creditledger-backend/internal/purchases"
	"github.com/angelmondragon/creditledger-backend/internal/usage"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
)

func TestPurchaseThenUsageScenario(t *testing.T) {
	h := newHarness(t, "ceil")
	ctx := context.Background()

	purchaseSvc, err := purchases.NewService(purchases.ServiceParams{
		Repo:   purchases.NewRepository(h.client.DB()),
		Ledger: h.ledger,
		Tx:     h.client,
		Locker: h.locker,
		Outbox: outbox.NewService(outbox.NewRepository(h.client.DB()), nil),
	})
	require.NoError(t, err)

	require.Equal(t, "0", h.balance(t, "user-1"))

	credited, err := purchaseSvc.FulfillPurchase(ctx, purchases.FulfillInput{
		ProviderSessionID: "cs_starter",
		UserID:            "user-1",
		PackageCode:       "starter",
		AmountCents:       500,
		TotalCredits:      5000,
	})
	require.NoError(t, err)
	require.Equal(t, "5000", credited.NewBalance.String())
	require.Equal(t, "5000", h.balance(t, "user-1"))

	req := usage.Request{
		UserID:         "user-1",
		Model:          "gpt-4o-mini",
		InputTokens:    1000,
		OutputTokens:   1000,
		IdempotencyKey: "usage-1",
		OccurredAt:     time.Now(),
	}
	first, err := h.svc.BillUsage(ctx, req)
	require.NoError(t, err)
	require.Equal(t, enums.UsageStatusSuccess, first.Status)
	require.Equal(t, "48", first.DebitAmount.String())
	require.Equal(t, "4952", first.NewBalance.String())

	second, err := h.svc.BillUsage(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "48", second.DebitAmount.String())
	require.Equal(t, "4952", second.NewBalance.String())
	require.Equal(t, "4952", h.balance(t, "user-1"))

	totals, err := h.ledgerRep.SumForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "4952", totals.Sum.String())
	require.Equal(t, int64(2), totals.Entries)
}
