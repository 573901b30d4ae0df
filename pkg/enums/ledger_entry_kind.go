package enums

import "fmt"

// LedgerEntryKind maps to the ledger_entry_kind enum in Postgres.
type LedgerEntryKind string

const (
	LedgerEntryCredit     LedgerEntryKind = "credit"
	LedgerEntryDebit      LedgerEntryKind = "debit"
	LedgerEntryAdjustment LedgerEntryKind = "adjustment"
	LedgerEntryReversal   LedgerEntryKind = "reversal"
)

var validLedgerEntryKinds = []LedgerEntryKind{
	LedgerEntryCredit,
	LedgerEntryDebit,
	LedgerEntryAdjustment,
	LedgerEntryReversal,
}

// IsValid reports whether the value matches the canonical ledger entry kind.
func (k LedgerEntryKind) IsValid() bool {
	for _, candidate := range validLedgerEntryKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseLedgerEntryKind converts raw input into LedgerEntryKind.
func ParseLedgerEntryKind(value string) (LedgerEntryKind, error) {
	for _, candidate := range validLedgerEntryKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry kind %q", value)
}

// ReferenceType names the external object an entry is keyed on. The
// (user, reference type, reference id) triple is unique per ledger.
type ReferenceType string

const (
	ReferenceUsage    ReferenceType = "usage"
	ReferenceStripe   ReferenceType = "stripe"
	ReferenceManual   ReferenceType = "manual"
	ReferenceReversal ReferenceType = "reversal"
)

var validReferenceTypes = []ReferenceType{
	ReferenceUsage,
	ReferenceStripe,
	ReferenceManual,
	ReferenceReversal,
}

// IsValid reports whether the value matches a known reference type.
func (r ReferenceType) IsValid() bool {
	for _, candidate := range validReferenceTypes {
		if candidate == r {
			return true
		}
	}
	return false
}
