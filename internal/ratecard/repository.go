package ratecard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
)

// Repository persists published rate cards.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, card *RateCard, publishedBy string) error
	List(ctx context.Context) ([]*RateCard, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a rate card repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Insert(ctx context.Context, card *RateCard, publishedBy string) error {
	row, err := toModel(card)
	if err != nil {
		return err
	}
	row.PublishedAt = time.Now().UTC()
	if publishedBy != "" {
		row.PublishedBy = &publishedBy
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s", ErrVersionExists, card.Version)
		}
		return err
	}
	return nil
}

func (r *repository) List(ctx context.Context) ([]*RateCard, error) {
	var rows []models.RateCard
	if err := r.db.WithContext(ctx).
		Order("effective_from ASC").
		Order("version ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	cards := make([]*RateCard, 0, len(rows))
	for i := range rows {
		card, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func toModel(card *RateCard) (*models.RateCard, error) {
	payload, err := json.Marshal(card.Models)
	if err != nil {
		return nil, fmt.Errorf("encode rate card models: %w", err)
	}
	return &models.RateCard{
		Version:          card.Version,
		Currency:         card.Currency,
		CreditsPerDollar: card.CreditsPerDollar,
		Markup:           card.Markup,
		RoundingMode:     card.RoundingMode,
		EffectiveFrom:    card.EffectiveFrom.UTC(),
		Models:           datatypes.JSON(payload),
	}, nil
}

func fromModel(row *models.RateCard) (*RateCard, error) {
	prices := map[string]ModelPrice{}
	if len(row.Models) > 0 {
		if err := json.Unmarshal(row.Models, &prices); err != nil {
			return nil, fmt.Errorf("decode rate card %s models: %w", row.Version, err)
		}
	}
	return &RateCard{
		Version:          row.Version,
		Currency:         row.Currency,
		CreditsPerDollar: row.CreditsPerDollar,
		Markup:           row.Markup,
		RoundingMode:     row.RoundingMode,
		EffectiveFrom:    row.EffectiveFrom.UTC(),
		Models:           prices,
	}, nil
}
