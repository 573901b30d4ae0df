package ratecard

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

type fileModel struct {
	InputPerThousand  string `yaml:"input_per_thousand"`
	OutputPerThousand string `yaml:"output_per_thousand"`
}

type fileCard struct {
	Version          string               `yaml:"version"`
	Currency         string               `yaml:"currency"`
	CreditsPerDollar int64                `yaml:"credits_per_dollar"`
	Markup           string               `yaml:"markup"`
	RoundingMode     string               `yaml:"rounding_mode"`
	EffectiveFrom    time.Time            `yaml:"effective_from"`
	Models           map[string]fileModel `yaml:"models"`
}

// ParseFile reads a YAML rate card. Prices are quoted strings so they never
// pass through a float.
func ParseFile(path string) (*RateCard, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate card %q: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML rate card bytes.
func Parse(raw []byte) (*RateCard, error) {
	var doc fileCard
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode rate card: %w", err)
	}

	if doc.Currency == "" {
		doc.Currency = "USD"
	}
	markup, err := credits.Parse(doc.Markup)
	if err != nil {
		return nil, fmt.Errorf("markup: %w", err)
	}
	mode, err := enums.ParseRoundingMode(doc.RoundingMode)
	if err != nil {
		return nil, err
	}

	card := &RateCard{
		Version:          doc.Version,
		Currency:         doc.Currency,
		CreditsPerDollar: doc.CreditsPerDollar,
		Markup:           markup,
		RoundingMode:     mode,
		EffectiveFrom:    doc.EffectiveFrom,
		Models:           make(map[string]ModelPrice, len(doc.Models)),
	}
	for name, model := range doc.Models {
		input, err := parsePrice(name, "input_per_thousand", model.InputPerThousand)
		if err != nil {
			return nil, err
		}
		output, err := parsePrice(name, "output_per_thousand", model.OutputPerThousand)
		if err != nil {
			return nil, err
		}
		card.Models[NormaliseModelKey(name)] = ModelPrice{InputPerThousand: input, OutputPerThousand: output}
	}
	card.Normalise()
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return card, nil
}

// Encode renders a card in the file format Parse reads.
func Encode(card *RateCard) ([]byte, error) {
	if card == nil {
		return nil, fmt.Errorf("rate card is required")
	}
	doc := fileCard{
		Version:          card.Version,
		Currency:         card.Currency,
		CreditsPerDollar: card.CreditsPerDollar,
		Markup:           card.Markup.String(),
		RoundingMode:     string(card.RoundingMode),
		EffectiveFrom:    card.EffectiveFrom.UTC(),
		Models:           make(map[string]fileModel, len(card.Models)),
	}
	for key, price := range card.Models {
		doc.Models[key] = fileModel{
			InputPerThousand:  price.InputPerThousand.String(),
			OutputPerThousand: price.OutputPerThousand.String(),
		}
	}
	return yaml.Marshal(doc)
}

func parsePrice(model, field, value string) (decimal.Decimal, error) {
	price, err := credits.Parse(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("model %s %s: %w", model, field, err)
	}
	return price, nil
}
