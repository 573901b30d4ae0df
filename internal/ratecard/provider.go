package ratecard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StoreProvider serves rate cards from an in-memory Registry hydrated from
// the rate_cards table. The built-in fallback card is always present so a
// fresh database can still price usage.
type StoreProvider struct {
	tx       txRunner
	repo     Repository
	outbox   outboxPublisher
	registry *Registry
	fallback *RateCard
	logg     *logger.Logger
	group    singleflight.Group
}

// NewStoreProvider wires a StoreProvider. Call Refresh before serving.
func NewStoreProvider(tx txRunner, repo Repository, publisher outboxPublisher, fallback *RateCard, logg *logger.Logger) (*StoreProvider, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("rate card repository required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	if fallback != nil {
		if err := registry.Publish(fallback); err != nil {
			return nil, fmt.Errorf("fallback rate card: %w", err)
		}
	}
	return &StoreProvider{
		tx:       tx,
		repo:     repo,
		outbox:   publisher,
		registry: registry,
		fallback: fallback.Clone(),
		logg:     logg,
	}, nil
}

func (p *StoreProvider) Active(ctx context.Context) (*RateCard, error) {
	return p.registry.Active(ctx)
}

func (p *StoreProvider) EffectiveAt(ctx context.Context, at time.Time) (*RateCard, error) {
	return p.registry.EffectiveAt(ctx, at)
}

// Get returns a loaded card by version.
func (p *StoreProvider) Get(version string) (*RateCard, bool) {
	return p.registry.Get(version)
}

// Versions lists the versions currently loaded.
func (p *StoreProvider) Versions() []string {
	return p.registry.Versions()
}

// Refresh reloads every published card. Concurrent callers share one load.
func (p *StoreProvider) Refresh(ctx context.Context) error {
	_, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		cards, err := p.repo.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list rate cards: %w", err)
		}
		if p.fallback != nil && !containsVersion(cards, p.fallback.Version) {
			cards = append(cards, p.fallback)
		}
		if err := p.registry.Replace(cards); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// Publish validates and stores a new version, queues a rate_card_published
// event, then makes the card visible to billing.
func (p *StoreProvider) Publish(ctx context.Context, card *RateCard, publishedBy string) error {
	next := card.Clone()
	if next == nil {
		return errors.New("rate card is required")
	}
	next.Normalise()
	if err := next.Validate(); err != nil {
		return err
	}
	if _, exists := p.registry.Get(next.Version); exists {
		return fmt.Errorf("%w: %s", ErrVersionExists, next.Version)
	}

	err := p.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := p.repo.WithTx(tx).Insert(ctx, next, publishedBy); err != nil {
			return err
		}
		return p.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRateCardPublished,
			AggregateType: enums.AggregateRateCard,
			AggregateID:   VersionID(next.Version),
			Actor:         &outbox.ActorRef{Actor: publishedBy},
			Data: payloads.RateCardPublishedEvent{
				Version:       next.Version,
				EffectiveFrom: next.EffectiveFrom,
				RoundingMode:  string(next.RoundingMode),
				Markup:        next.Markup.String(),
				Models:        next.ModelKeys(),
			},
		})
	})
	if err != nil {
		return err
	}

	if err := p.registry.Publish(next); err != nil && !errors.Is(err, ErrVersionExists) {
		return err
	}
	if p.logg != nil {
		logCtx := p.logg.WithFields(ctx, map[string]any{
			"rate_card_version": next.Version,
			"effective_from":    next.EffectiveFrom,
			"published_by":      publishedBy,
		})
		p.logg.Info(logCtx, "rate card published")
	}
	return nil
}

var versionNamespace = uuid.MustParse("8f1d3c1e-6a0e-4c57-9d55-2f4b7a7f0c11")

// VersionID derives a stable aggregate id for a rate card version.
func VersionID(version string) uuid.UUID {
	return uuid.NewSHA1(versionNamespace, []byte(version))
}

func containsVersion(cards []*RateCard, version string) bool {
	for _, card := range cards {
		if card.Version == version {
			return true
		}
	}
	return false
}
