package ratecard

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

var (
	ErrUnknownModel   = errors.New("ratecard: model is not priced")
	ErrNegativeTokens = errors.New("ratecard: token counts must be non-negative")
	ErrNoActiveCard   = errors.New("ratecard: no rate card is effective")
)

var tokensPerUnit = decimal.NewFromInt(1000)

// ModelPrice is the credit price of one thousand tokens in each direction.
type ModelPrice struct {
	InputPerThousand  decimal.Decimal `json:"inputPerThousand" yaml:"input_per_thousand"`
	OutputPerThousand decimal.Decimal `json:"outputPerThousand" yaml:"output_per_thousand"`
}

// RateCard is one published pricing version. A card is never mutated after
// it has been published; a new version replaces it.
type RateCard struct {
	Version          string                `json:"version"`
	Currency         string                `json:"currency"`
	CreditsPerDollar int64                 `json:"creditsPerDollar"`
	Markup           decimal.Decimal       `json:"markup"`
	RoundingMode     enums.RoundingMode    `json:"roundingMode"`
	EffectiveFrom    time.Time             `json:"effectiveFrom"`
	Models           map[string]ModelPrice `json:"models"`
}

// Quote breaks a usage cost into its pricing stages.
type Quote struct {
	Version      string             `json:"rateCardVersion"`
	Model        string             `json:"model"`
	InputTokens  int64              `json:"inputTokens"`
	OutputTokens int64              `json:"outputTokens"`
	Raw          decimal.Decimal    `json:"raw"`
	MarkedUp     decimal.Decimal    `json:"markedUp"`
	Charged      decimal.Decimal    `json:"charged"`
	RoundingMode enums.RoundingMode `json:"roundingMode"`
}

// NormaliseModelKey maps caller-supplied model names onto rate card keys.
func NormaliseModelKey(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// Price returns the price entry for a model.
func (c *RateCard) Price(model string) (ModelPrice, bool) {
	if c == nil {
		return ModelPrice{}, false
	}
	price, ok := c.Models[NormaliseModelKey(model)]
	return price, ok
}

// ModelKeys lists the priced models in sorted order.
func (c *RateCard) ModelKeys() []string {
	keys := make([]string, 0, len(c.Models))
	for key := range c.Models {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Quote prices a usage event. The markup multiplies the summed raw cost
// once, and the rounding policy runs last.
func (c *RateCard) Quote(calc credits.Calculator, model string, inputTokens, outputTokens int64) (Quote, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return Quote{}, ErrNegativeTokens
	}
	price, ok := c.Price(model)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	inputCost := credits.Div(decimal.NewFromInt(inputTokens), tokensPerUnit).Mul(price.InputPerThousand)
	outputCost := credits.Div(decimal.NewFromInt(outputTokens), tokensPerUnit).Mul(price.OutputPerThousand)
	raw, err := calc.Add(inputCost, outputCost)
	if err != nil {
		return Quote{}, err
	}
	markedUp, err := calc.Mul(raw, c.Markup)
	if err != nil {
		return Quote{}, err
	}
	charged := credits.Round(markedUp, c.RoundingMode)
	if err := calc.Check(charged); err != nil {
		return Quote{}, err
	}

	return Quote{
		Version:      c.Version,
		Model:        NormaliseModelKey(model),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Raw:          raw,
		MarkedUp:     markedUp,
		Charged:      charged,
		RoundingMode: c.RoundingMode,
	}, nil
}

// ComputeUsageCost returns only the charged amount of Quote.
func (c *RateCard) ComputeUsageCost(calc credits.Calculator, model string, inputTokens, outputTokens int64) (decimal.Decimal, error) {
	quote, err := c.Quote(calc, model, inputTokens, outputTokens)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Charged, nil
}

// Validate checks a card before publication.
func (c *RateCard) Validate() error {
	if c == nil {
		return errors.New("rate card is required")
	}
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("rate card version is required")
	}
	if !strings.EqualFold(strings.TrimSpace(c.Currency), "USD") {
		return fmt.Errorf("unsupported currency %q", c.Currency)
	}
	if c.CreditsPerDollar <= 0 {
		return errors.New("creditsPerDollar must be positive")
	}
	if !c.Markup.IsPositive() {
		return errors.New("markup must be positive")
	}
	if !c.RoundingMode.IsValid() {
		return fmt.Errorf("invalid rounding mode %q", c.RoundingMode)
	}
	if c.EffectiveFrom.IsZero() {
		return errors.New("effectiveFrom is required")
	}
	if len(c.Models) == 0 {
		return errors.New("at least one model price is required")
	}
	for key, price := range c.Models {
		if key != NormaliseModelKey(key) || key == "" {
			return fmt.Errorf("model key %q is not normalised", key)
		}
		if price.InputPerThousand.IsNegative() || price.OutputPerThousand.IsNegative() {
			return fmt.Errorf("model %q has a negative price", key)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a published card.
func (c *RateCard) Clone() *RateCard {
	if c == nil {
		return nil
	}
	out := *c
	out.Models = make(map[string]ModelPrice, len(c.Models))
	for key, price := range c.Models {
		out.Models[key] = price
	}
	return &out
}

// Normalise rewrites model keys and the currency into canonical form.
func (c *RateCard) Normalise() {
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.RoundingMode = enums.RoundingMode(strings.ToLower(strings.TrimSpace(string(c.RoundingMode))))
	models := make(map[string]ModelPrice, len(c.Models))
	for key, price := range c.Models {
		models[NormaliseModelKey(key)] = price
	}
	c.Models = models
	c.EffectiveFrom = c.EffectiveFrom.UTC()
}
