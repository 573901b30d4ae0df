package stripewebhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryEventStore struct {
	keys map[string]bool
}

func (m *memoryEventStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memoryEventStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.keys, key)
	}
	return nil
}

func (m *memoryEventStore) WebhookEventKey(provider, eventID string) string {
	return provider + ":" + eventID
}

func TestIdempotencyGuardMarksOnce(t *testing.T) {
	store := &memoryEventStore{keys: map[string]bool{}}
	guard, err := NewIdempotencyGuard(store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, seen)

	require.NoError(t, guard.Delete(ctx, "evt_1"))
	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	require.False(t, seen)

	_, err = guard.CheckAndMark(ctx, "")
	require.Error(t, err)
}
