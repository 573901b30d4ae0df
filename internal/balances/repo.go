package balances

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/creditledger-backend/internal/repo"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
)

const sumBatchSize = 1000

// Repository persists cached account balances.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Ensure(ctx context.Context, userID string) error
	Find(ctx context.Context, userID string) (*models.AccountBalance, error)
	FindForUpdate(ctx context.Context, userID string) (*models.AccountBalance, error)
	CompareAndSet(ctx context.Context, userID string, expectedVersion int64, balance decimal.Decimal) (bool, error)
	SumAll(ctx context.Context) (Totals, error)
}

// Totals folds every cached balance. Versions counts the deltas applied
// across all rows, which matches the ledger entry count in a consistent
// snapshot.
type Totals struct {
	Sum      decimal.Decimal
	Accounts int64
	Versions int64
}

type repository struct {
	repo.Base
}

// NewRepository returns a balance repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

// Ensure creates the zero row for a user if it does not exist yet.
func (r *repository) Ensure(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	row := models.AccountBalance{
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row).Error
}

func (r *repository) Find(ctx context.Context, userID string) (*models.AccountBalance, error) {
	var row models.AccountBalance
	if err := r.DB(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindForUpdate(ctx context.Context, userID string) (*models.AccountBalance, error) {
	var row models.AccountBalance
	if err := r.Locked(ctx).
		Where("user_id = ?", userID).
		First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// CompareAndSet writes the new balance and bumps the version only if the row
// is still at expectedVersion.
func (r *repository) CompareAndSet(ctx context.Context, userID string, expectedVersion int64, balance decimal.Decimal) (bool, error) {
	result := r.DB(ctx).
		Model(&models.AccountBalance{}).
		Where("user_id = ? AND version = ?", userID, expectedVersion).
		Updates(map[string]any{
			"balance":    balance,
			"version":    expectedVersion + 1,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) SumAll(ctx context.Context) (Totals, error) {
	totals := Totals{Sum: decimal.Zero}
	var batch []models.AccountBalance
	result := r.DB(ctx).
		Model(&models.AccountBalance{}).
		Select("user_id", "balance", "version").
		FindInBatches(&batch, sumBatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range batch {
				totals.Sum = totals.Sum.Add(row.Balance)
				totals.Accounts++
				totals.Versions += row.Version
			}
			return nil
		})
	if result.Error != nil {
		return Totals{}, result.Error
	}
	return totals, nil
}
