package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/dbtest"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

type fixture struct {
	client    *db.Client
	repo      ledger.Repository
	projector *balances.Projector
	svc       ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.New(t)
	projector, err := balances.NewProjector(balances.NewRepository(client.DB()), credits.NewCalculator(credits.DefaultCeiling), 0)
	require.NoError(t, err)
	repo := ledger.NewRepository(client.DB())
	svc, err := ledger.NewService(repo, projector, outbox.NewService(outbox.NewRepository(client.DB()), nil))
	require.NoError(t, err)
	return &fixture{client: client, repo: repo, projector: projector, svc: svc}
}

func (f *fixture) post(t *testing.T, input ledger.PostInput) (*models.LedgerEntry, error) {
	t.Helper()
	var entry *models.LedgerEntry
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		entry, err = f.svc.Post(context.Background(), tx, input)
		return err
	})
	return entry, err
}

func credit(user, ref, amount string) ledger.PostInput {
	return ledger.PostInput{
		UserID:        user,
		Kind:          enums.LedgerEntryCredit,
		Amount:        credits.MustParse(amount),
		ReferenceType: enums.ReferenceStripe,
		ReferenceID:   ref,
	}
}

func debit(user, ref, amount string) ledger.PostInput {
	return ledger.PostInput{
		UserID:        user,
		Kind:          enums.LedgerEntryDebit,
		Amount:        credits.MustParse(amount),
		ReferenceType: enums.ReferenceUsage,
		ReferenceID:   ref,
		Metadata:      map[string]any{"model": "gpt-4o-mini"},
	}
}

func TestPostMovesBalanceWithEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.post(t, credit("user-1", "cs_1", "5000"))
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, "5000", first.BalanceAfter.String())

	second, err := f.post(t, debit("user-1", "req-1", "14.88"))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Sequence)
	require.True(t, second.BalanceAfter.Equal(credits.MustParse("4985.12")))

	balance, err := f.projector.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, balance.Balance.Equal(credits.MustParse("4985.12")))
	require.Equal(t, int64(2), balance.Version)

	totals, err := f.repo.SumForUser(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, totals.Sum.Equal(balance.Balance))
	require.Equal(t, int64(2), totals.Entries)
	require.Equal(t, int64(2), totals.LastSequence)

	meta, err := ledger.DecodeMetadata(second)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", meta["model"])

	var events int64
	require.NoError(t, f.client.DB().Model(&models.OutboxEvent{}).Count(&events).Error)
	require.Equal(t, int64(2), events)
}

func TestPostRejectsOverdraftAndRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.post(t, credit("user-1", "cs_1", "10"))
	require.NoError(t, err)

	_, err = f.post(t, debit("user-1", "req-1", "48"))
	var insufficient *balances.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	require.True(t, errors.Is(err, credits.ErrInsufficientBalance))
	require.Equal(t, "38", insufficient.Shortfall().String())

	balance, err := f.projector.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "10", balance.Balance.String())
	require.Equal(t, int64(1), balance.Version)

	_, err = f.repo.FindByReference(ctx, "user-1", enums.ReferenceUsage, "req-1")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestPostDuplicateReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.post(t, credit("user-1", "cs_1", "10"))
	require.NoError(t, err)

	_, err = f.post(t, credit("user-1", "cs_1", "10"))
	require.True(t, errors.Is(err, ledger.ErrDuplicateReference))

	balance, err := f.projector.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "10", balance.Balance.String())
}

func TestPostValidatesInput(t *testing.T) {
	f := newFixture(t)

	cases := map[string]ledger.PostInput{
		"missing user":      credit("", "cs_1", "1"),
		"negative credit":   credit("user-1", "cs_1", "-1"),
		"too many places":   credit("user-1", "cs_1", "0.0000001"),
		"missing reference": credit("user-1", "", "1"),
		"zero adjustment": {
			UserID: "user-1", Kind: enums.LedgerEntryAdjustment, Amount: credits.Zero,
			ReferenceType: enums.ReferenceManual, ReferenceID: "adj-1",
		},
		"bad kind": {
			UserID: "user-1", Kind: "transfer", Amount: credits.FromInt(1),
			ReferenceType: enums.ReferenceManual, ReferenceID: "adj-1",
		},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.post(t, input)
			require.Error(t, err)
		})
	}
}

func TestListPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.post(t, credit("user-1", "cs_1", "100"))
	require.NoError(t, err)
	for _, ref := range []string{"a", "b", "c", "d"} {
		_, err := f.post(t, debit("user-1", ref, "1"))
		require.NoError(t, err)
	}
	_, err = f.post(t, credit("user-2", "cs_2", "1"))
	require.NoError(t, err)

	page, err := f.svc.List(ctx, "user-1", pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Entries, 2)
	require.Equal(t, int64(5), page.Entries[0].Sequence)
	require.Equal(t, int64(4), page.Entries[1].Sequence)

	page, err = f.svc.List(ctx, "user-1", pagination.Params{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Equal(t, int64(3), page.Entries[0].Sequence)

	page, err = f.svc.List(ctx, "user-1", pagination.Params{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Entries, 1)
	require.Empty(t, page.NextCursor)

	_, err = f.svc.List(ctx, "user-1", pagination.Params{Cursor: "%%%"})
	require.Error(t, err)
}

func TestSumAllAndUserIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.post(t, credit("user-b", "cs_1", "20"))
	require.NoError(t, err)
	_, err = f.post(t, credit("user-a", "cs_2", "5.5"))
	require.NoError(t, err)
	_, err = f.post(t, debit("user-a", "req", "0.5"))
	require.NoError(t, err)

	totals, err := f.repo.SumAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "25", totals.Sum.String())
	require.Equal(t, int64(3), totals.Entries)

	ids, err := f.repo.ListUserIDs(ctx, "", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"user-a", "user-b"}, ids)

	ids, err = f.repo.ListUserIDs(ctx, "user-a", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"user-b"}, ids)
}

func TestEntriesAreAppendOnly(t *testing.T) {
	f := newFixture(t)
	entry, err := f.post(t, credit("user-1", "cs_1", "10"))
	require.NoError(t, err)

	err = f.client.DB().Model(&models.LedgerEntry{}).Where("id = ?", entry.ID).Update("amount", "99").Error
	require.Error(t, err)
}
