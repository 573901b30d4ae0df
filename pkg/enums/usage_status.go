package enums

// UsageStatus is the terminal outcome of a usage billing attempt.
type UsageStatus string

const (
	UsageStatusSuccess           UsageStatus = "success"
	UsageStatusInsufficientFunds UsageStatus = "insufficient_funds"
	UsageStatusDuplicate         UsageStatus = "duplicate"
)
