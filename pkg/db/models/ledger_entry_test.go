package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

func TestSignedEffect(t *testing.T) {
	cases := []struct {
		kind   enums.LedgerEntryKind
		amount string
		want   string
	}{
		{enums.LedgerEntryCredit, "5000", "5000"},
		{enums.LedgerEntryDebit, "48", "-48"},
		{enums.LedgerEntryAdjustment, "-12.5", "-12.5"},
		{enums.LedgerEntryReversal, "48", "48"},
	}
	for _, tc := range cases {
		entry := LedgerEntry{Kind: tc.kind, Amount: decimal.RequireFromString(tc.amount)}
		assert.Equal(t, tc.want, entry.SignedEffect().String(), tc.kind)
	}
}
