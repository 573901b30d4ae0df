package purchases

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/repo"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// Repository persists purchase attempts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, purchase *models.Purchase) error
	FindBySession(ctx context.Context, sessionID string) (*models.Purchase, error)
	FindBySessionForUpdate(ctx context.Context, sessionID string) (*models.Purchase, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID, entryID uuid.UUID, paymentIntentID *string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Purchase, error)
}

type repository struct {
	repo.Base
}

// NewRepository returns a purchase repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Create(ctx context.Context, purchase *models.Purchase) error {
	if purchase.ID == uuid.Nil {
		purchase.ID = uuid.New()
	}
	return r.DB(ctx).Create(purchase).Error
}

func (r *repository) FindBySession(ctx context.Context, sessionID string) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := r.DB(ctx).Where("provider_session_id = ?", sessionID).First(&purchase).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *repository) FindBySessionForUpdate(ctx context.Context, sessionID string) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := r.Locked(ctx).
		Where("provider_session_id = ?", sessionID).
		First(&purchase).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *repository) MarkSucceeded(ctx context.Context, id uuid.UUID, entryID uuid.UUID, paymentIntentID *string) error {
	updates := map[string]any{
		"status":          enums.PurchaseStatusSucceeded,
		"ledger_entry_id": entryID,
		"failure_reason":  nil,
		"updated_at":      time.Now().UTC(),
	}
	if paymentIntentID != nil {
		updates["provider_payment_intent_id"] = *paymentIntentID
	}
	return r.DB(ctx).Model(&models.Purchase{}).Where("id = ?", id).Updates(updates).Error
}

// MarkFailed never downgrades a succeeded purchase.
func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.DB(ctx).
		Model(&models.Purchase{}).
		Where("id = ? AND status <> ?", id, enums.PurchaseStatusSucceeded).
		Updates(map[string]any{
			"status":         enums.PurchaseStatusFailed,
			"failure_reason": reason,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (r *repository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Purchase, error) {
	var purchases []models.Purchase
	if err := r.DB(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&purchases).Error; err != nil {
		return nil, err
	}
	return purchases, nil
}
