package ratecard

import (
	"time"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// DefaultModels is the built-in price table used when no card has been
// published yet. Prices are credits per thousand tokens.
var DefaultModels = map[string]ModelPrice{
	NormaliseModelKey("gpt-4o-mini"): {
		InputPerThousand:  credits.MustParse("2.4"),
		OutputPerThousand: credits.MustParse("9.6"),
	},
	NormaliseModelKey("gpt-4o"): {
		InputPerThousand:  credits.MustParse("40"),
		OutputPerThousand: credits.MustParse("160"),
	},
	NormaliseModelKey("claude-3-5-haiku"): {
		InputPerThousand:  credits.MustParse("12.8"),
		OutputPerThousand: credits.MustParse("64"),
	},
}

// DefaultRateCard builds the reference card from billing config. Its
// effective date is the zero Unix time so it covers any historical event.
func DefaultRateCard(cfg config.BillingConfig) (*RateCard, error) {
	markup, err := credits.Parse(cfg.Markup)
	if err != nil {
		return nil, err
	}
	mode, err := enums.ParseRoundingMode(cfg.RoundingMode)
	if err != nil {
		return nil, err
	}
	card := &RateCard{
		Version:          cfg.RateCardVersion,
		Currency:         "USD",
		CreditsPerDollar: cfg.CreditsPerDollar,
		Markup:           markup,
		RoundingMode:     mode,
		EffectiveFrom:    time.Unix(0, 0).UTC(),
		Models:           make(map[string]ModelPrice, len(DefaultModels)),
	}
	for key, price := range DefaultModels {
		card.Models[key] = price
	}
	return card, card.Validate()
}
