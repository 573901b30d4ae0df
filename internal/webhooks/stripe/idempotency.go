package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/creditledger-backend/pkg/redis"
)

const webhookProvider = "stripe"

type eventStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	WebhookEventKey(provider, eventID string) string
}

var _ eventStore = (*redis.Client)(nil)

// IdempotencyGuard short-circuits redelivered Stripe events. It is only a
// fast path; a lost key still cannot double-credit because fulfilment is
// keyed on the checkout session in the ledger.
type IdempotencyGuard struct {
	store eventStore
	ttl   time.Duration
}

func NewIdempotencyGuard(store eventStore, ttl time.Duration) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &IdempotencyGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark reports whether the event was already seen, marking it if not.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.store.WebhookEventKey(webhookProvider, eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set webhook event key: %w", err)
	}
	return !set, nil
}

// Delete clears the mark so a failed delivery can be retried.
func (g *IdempotencyGuard) Delete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.store.WebhookEventKey(webhookProvider, eventID))
}
