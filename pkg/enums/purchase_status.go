package enums

import "fmt"

// PurchaseStatus maps to the purchase_status enum in Postgres.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusSucceeded PurchaseStatus = "succeeded"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

var validPurchaseStatuses = []PurchaseStatus{
	PurchaseStatusPending,
	PurchaseStatusSucceeded,
	PurchaseStatusFailed,
}

// IsValid reports whether the value matches the canonical purchase status.
func (s PurchaseStatus) IsValid() bool {
	for _, candidate := range validPurchaseStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the purchase can no longer change state.
func (s PurchaseStatus) IsTerminal() bool {
	return s == PurchaseStatusSucceeded
}

// ParsePurchaseStatus converts raw input into PurchaseStatus.
func ParsePurchaseStatus(value string) (PurchaseStatus, error) {
	for _, candidate := range validPurchaseStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid purchase status %q", value)
}
