package ratecard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

const sampleCard = `
version: 2024-06-premium
credits_per_dollar: 1000
markup: "4.5"
rounding_mode: precise
effective_from: 2024-06-01T00:00:00Z
models:
  GPT-4o-mini:
    input_per_thousand: "2.4"
    output_per_thousand: "9.6"
`

func TestParseFileReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCard), 0o600))

	card, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, "2024-06-premium", card.Version)
	require.Equal(t, "USD", card.Currency)
	require.Equal(t, enums.RoundingPrecise, card.RoundingMode)
	require.True(t, card.Markup.Equal(credits.MustParse("4.5")))

	price, ok := card.Price("gpt-4o-mini")
	require.True(t, ok)
	require.True(t, price.OutputPerThousand.Equal(credits.MustParse("9.6")))
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	_, err := Parse([]byte("version: v1\nmarkup: \"abc\"\nrounding_mode: ceil\n"))
	require.Error(t, err)

	_, err = Parse([]byte("version: v1\nmarkup: \"4\"\nrounding_mode: floor\n"))
	require.Error(t, err)

	_, err = Parse([]byte("version: v1\ncredits_per_dollar: 1000\nmarkup: \"4\"\nrounding_mode: ceil\neffective_from: 2024-01-01T00:00:00Z\n"))
	require.Error(t, err, "a card without models is rejected")
}

func TestEncodeProducesParsableYAML(t *testing.T) {
	card, err := Parse([]byte(sampleCard))
	require.NoError(t, err)

	raw, err := Encode(card)
	require.NoError(t, err)
	require.Contains(t, string(raw), `markup: "4.5"`)

	again, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, card.Version, again.Version)
	require.True(t, card.EffectiveFrom.Equal(again.EffectiveFrom))
	require.ElementsMatch(t, card.ModelKeys(), again.ModelKeys())
}
