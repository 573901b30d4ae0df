package ratecard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

func versioned(t *testing.T, version string, from time.Time, markup string) *RateCard {
	t.Helper()
	card := mustDefault(t, enums.RoundingCeil)
	card.Version = version
	card.EffectiveFrom = from
	card.Markup = credits.MustParse(markup)
	return card
}

func TestRegistryEffectiveAtSelectsVersionByTime(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	registry, err := NewRegistry(versioned(t, "v2", feb, "5"), versioned(t, "v1", jan, "4"))
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2"}, registry.Versions())

	ctx := context.Background()
	card, err := registry.EffectiveAt(ctx, jan.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "v1", card.Version)

	card, err = registry.EffectiveAt(ctx, feb)
	require.NoError(t, err)
	require.Equal(t, "v2", card.Version)

	_, err = registry.EffectiveAt(ctx, jan.Add(-time.Second))
	require.True(t, errors.Is(err, ErrNoActiveCard))
}

func TestRegistryActiveUsesClock(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	registry, err := NewRegistry(versioned(t, "v1", jan, "4"), versioned(t, "v2", feb, "5"))
	require.NoError(t, err)

	registry.now = func() time.Time { return jan.Add(time.Hour) }
	card, err := registry.Active(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v1", card.Version)
}

func TestRegistryRejectsDuplicateVersion(t *testing.T) {
	registry, err := NewRegistry(versioned(t, "v1", time.Unix(0, 0), "4"))
	require.NoError(t, err)

	err = registry.Publish(versioned(t, "v1", time.Now(), "5"))
	require.True(t, errors.Is(err, ErrVersionExists))
}

func TestRegistryReturnsCopies(t *testing.T) {
	registry, err := NewRegistry(versioned(t, "v1", time.Unix(0, 0), "4"))
	require.NoError(t, err)

	card, ok := registry.Get("v1")
	require.True(t, ok)
	card.Markup = credits.FromInt(100)

	again, _ := registry.Get("v1")
	require.True(t, again.Markup.Equal(credits.FromInt(4)))
}
