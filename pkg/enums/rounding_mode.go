package enums

import (
	"fmt"
	"strings"
)

// RoundingMode selects how a marked-up usage cost becomes a charge.
type RoundingMode string

const (
	// RoundingPrecise keeps fractional credits at storage scale.
	RoundingPrecise RoundingMode = "precise"
	// RoundingCeil rounds every charge up to the next whole credit.
	RoundingCeil RoundingMode = "ceil"
)

// IsValid reports whether the value is a supported rounding mode.
func (m RoundingMode) IsValid() bool {
	return m == RoundingPrecise || m == RoundingCeil
}

// ParseRoundingMode converts raw input into RoundingMode.
func ParseRoundingMode(value string) (RoundingMode, error) {
	mode := RoundingMode(strings.ToLower(strings.TrimSpace(value)))
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid rounding mode %q", value)
	}
	return mode, nil
}
