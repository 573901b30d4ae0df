package ratecard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrVersionExists = errors.New("ratecard: version already published")

// Provider resolves the rate card used to price usage. Billing asks for the
// card effective when the usage occurred, not the one active at billing time.
type Provider interface {
	Active(ctx context.Context) (*RateCard, error)
	EffectiveAt(ctx context.Context, at time.Time) (*RateCard, error)
}

// Registry is an in-memory, versioned set of published cards. Readers see
// either the old or the new set, never a partial publish.
type Registry struct {
	mu    sync.RWMutex
	cards []*RateCard
	now   func() time.Time
}

// NewRegistry publishes the given cards in order.
func NewRegistry(cards ...*RateCard) (*Registry, error) {
	r := &Registry{now: time.Now}
	for _, card := range cards {
		if err := r.Publish(card); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Publish adds a new version.
func (r *Registry) Publish(card *RateCard) error {
	next := card.Clone()
	if next == nil {
		return errors.New("rate card is required")
	}
	next.Normalise()
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.cards {
		if existing.Version == next.Version {
			return fmt.Errorf("%w: %s", ErrVersionExists, next.Version)
		}
	}
	cards := make([]*RateCard, 0, len(r.cards)+1)
	cards = append(cards, r.cards...)
	cards = append(cards, next)
	sortCards(cards)
	r.cards = cards
	return nil
}

// Replace swaps the whole set, used when reloading from storage.
func (r *Registry) Replace(cards []*RateCard) error {
	next := make([]*RateCard, 0, len(cards))
	seen := make(map[string]struct{}, len(cards))
	for _, card := range cards {
		clone := card.Clone()
		if clone == nil {
			continue
		}
		clone.Normalise()
		if err := clone.Validate(); err != nil {
			return fmt.Errorf("rate card %s: %w", clone.Version, err)
		}
		if _, dup := seen[clone.Version]; dup {
			return fmt.Errorf("%w: %s", ErrVersionExists, clone.Version)
		}
		seen[clone.Version] = struct{}{}
		next = append(next, clone)
	}
	sortCards(next)

	r.mu.Lock()
	r.cards = next
	r.mu.Unlock()
	return nil
}

// Active returns the card effective now.
func (r *Registry) Active(ctx context.Context) (*RateCard, error) {
	return r.EffectiveAt(ctx, r.clock())
}

// EffectiveAt returns the latest card whose EffectiveFrom is not after at.
func (r *Registry) EffectiveAt(_ context.Context, at time.Time) (*RateCard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.cards) - 1; i >= 0; i-- {
		if !r.cards[i].EffectiveFrom.After(at) {
			return r.cards[i].Clone(), nil
		}
	}
	return nil, ErrNoActiveCard
}

// Get returns a specific version.
func (r *Registry) Get(version string) (*RateCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, card := range r.cards {
		if card.Version == version {
			return card.Clone(), true
		}
	}
	return nil, false
}

// Versions lists published versions ordered by effective date.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cards))
	for _, card := range r.cards {
		out = append(out, card.Version)
	}
	return out
}

func (r *Registry) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func sortCards(cards []*RateCard) {
	sort.SliceStable(cards, func(i, j int) bool {
		return cards[i].EffectiveFrom.Before(cards[j].EffectiveFrom)
	})
}
