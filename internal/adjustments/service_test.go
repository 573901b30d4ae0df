package adjustments_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/accountlock"
	"github.com/angelmondragon/creditledger-backend/internal/adjustments"
	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/dbtest"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
)

type fixture struct {
	client    *db.Client
	projector *balances.Projector
	ledger    ledger.Service
	svc       *adjustments.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.New(t)
	projector, err := balances.NewProjector(balances.NewRepository(client.DB()), credits.NewCalculator(credits.DefaultCeiling), 0)
	require.NoError(t, err)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(client.DB()), projector, outbox.NewService(outbox.NewRepository(client.DB()), nil))
	require.NoError(t, err)
	svc, err := adjustments.NewService(client, ledgerSvc, accountlock.New(2*time.Second, nil), nil, nil)
	require.NoError(t, err)
	return &fixture{client: client, projector: projector, ledger: ledgerSvc, svc: svc}
}

func (f *fixture) post(t *testing.T, input ledger.PostInput) *models.LedgerEntry {
	t.Helper()
	var entry *models.LedgerEntry
	require.NoError(t, f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		entry, err = f.ledger.Post(context.Background(), tx, input)
		return err
	}))
	return entry
}

func (f *fixture) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	row, err := f.projector.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return row.Balance
}

func TestAdjustCreditsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := adjustments.AdjustInput{
		UserID:      "user-1",
		Amount:      credits.MustParse("250"),
		Reason:      "goodwill",
		ReferenceID: "ticket-42",
		Actor:       "ops@example.com",
	}
	first, err := f.svc.Adjust(ctx, input)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, enums.LedgerEntryAdjustment, first.Kind)
	require.Equal(t, "250", first.NewBalance.String())

	again, err := f.svc.Adjust(ctx, input)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.EntryID, again.EntryID)
	require.Equal(t, "250", f.balance(t, "user-1").String())

	input.Amount = credits.MustParse("300")
	_, err = f.svc.Adjust(ctx, input)
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeIdempotency))
}

func TestAdjustCannotGoNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, adjustments.AdjustInput{
		UserID: "user-1", Amount: credits.MustParse("100"), Reason: "seed", ReferenceID: "seed",
	})
	require.NoError(t, err)

	_, err = f.svc.Adjust(ctx, adjustments.AdjustInput{
		UserID: "user-1", Amount: credits.MustParse("-150"), Reason: "clawback", ReferenceID: "claw-1",
	})
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeInsufficientCredits))
	require.Equal(t, "100", f.balance(t, "user-1").String())

	res, err := f.svc.Adjust(ctx, adjustments.AdjustInput{
		UserID: "user-1", Amount: credits.MustParse("-40.5"), Reason: "clawback", ReferenceID: "claw-2",
	})
	require.NoError(t, err)
	require.Equal(t, "59.5", res.NewBalance.String())
}

func TestAdjustValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Adjust(context.Background(), adjustments.AdjustInput{
		UserID: "user-1", Amount: credits.MustParse("0.0000001"), ReferenceID: "x",
	})
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	require.Contains(t, details, "reason")
	require.Contains(t, details, "amount")
}

func TestReverseDebitRestoresBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.post(t, ledger.PostInput{
		UserID: "user-1", Kind: enums.LedgerEntryCredit, Amount: credits.MustParse("100"),
		ReferenceType: enums.ReferenceStripe, ReferenceID: "cs_1",
	})
	debit := f.post(t, ledger.PostInput{
		UserID: "user-1", Kind: enums.LedgerEntryDebit, Amount: credits.MustParse("14.88"),
		ReferenceType: enums.ReferenceUsage, ReferenceID: "req-1",
	})
	require.Equal(t, "85.12", f.balance(t, "user-1").String())

	res, err := f.svc.Reverse(ctx, adjustments.ReverseInput{EntryID: debit.ID, Reason: "bad request", Actor: "ops"})
	require.NoError(t, err)
	require.Equal(t, enums.LedgerEntryReversal, res.Kind)
	require.Equal(t, "14.88", res.Amount.String())
	require.Equal(t, "100", res.NewBalance.String())

	again, err := f.svc.Reverse(ctx, adjustments.ReverseInput{EntryID: debit.ID, Reason: "bad request"})
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, "100", f.balance(t, "user-1").String())

	_, err = f.svc.Reverse(ctx, adjustments.ReverseInput{EntryID: res.EntryID, Reason: "undo the undo"})
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
}

func TestReverseSpentCreditIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credit := f.post(t, ledger.PostInput{
		UserID: "user-1", Kind: enums.LedgerEntryCredit, Amount: credits.MustParse("100"),
		ReferenceType: enums.ReferenceStripe, ReferenceID: "cs_1",
	})
	f.post(t, ledger.PostInput{
		UserID: "user-1", Kind: enums.LedgerEntryDebit, Amount: credits.MustParse("60"),
		ReferenceType: enums.ReferenceUsage, ReferenceID: "req-1",
	})

	_, err := f.svc.Reverse(ctx, adjustments.ReverseInput{EntryID: credit.ID, Reason: "refund"})
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeInsufficientCredits))
	typed := pkgerrors.As(err)
	require.Equal(t, map[string]string{"required": "100", "available": "40", "shortfall": "60"}, typed.Details())
	require.Equal(t, "40", f.balance(t, "user-1").String())
}

func TestReverseUnknownEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Reverse(context.Background(), adjustments.ReverseInput{EntryID: uuid.New(), Reason: "x"})
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}
