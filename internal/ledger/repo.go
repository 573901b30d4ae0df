package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/repo"
	dbpkg "github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

// ErrDuplicateReference is returned when an entry for the same
// (user, reference type, reference id) already exists.
var ErrDuplicateReference = errors.New("ledger: reference already recorded")

const sumBatchSize = 1000

// Repository manages persistence for ledger entries. Entries are never
// updated or deleted.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Append(ctx context.Context, entry *models.LedgerEntry) error
	FindByReference(ctx context.Context, userID string, refType enums.ReferenceType, refID string) (*models.LedgerEntry, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]models.LedgerEntry, error)
	SumForUser(ctx context.Context, userID string) (Totals, error)
	SumAll(ctx context.Context) (Totals, error)
	ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error)
}

// Totals is a folded view over a set of entries.
type Totals struct {
	Sum          decimal.Decimal
	Entries      int64
	LastSequence int64
}

type repository struct {
	repo.Base
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Append(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if err := r.DB(ctx).Create(entry).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_ledger_entries_reference") {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (r *repository) FindByReference(ctx context.Context, userID string, refType enums.ReferenceType, refID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := r.DB(ctx).
		Where("user_id = ? AND reference_type = ? AND reference_id = ?", userID, refType, refID).
		First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := r.DB(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]models.LedgerEntry, error) {
	query := r.DB(ctx).Where("user_id = ?", userID)
	if cursor != nil {
		query = query.Where("sequence < ?", cursor.Sequence)
	}
	var entries []models.LedgerEntry
	if err := query.
		Order("sequence DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// SumForUser folds every entry of one user in Go so the result is exact on
// every dialect.
func (r *repository) SumForUser(ctx context.Context, userID string) (Totals, error) {
	return r.fold(r.DB(ctx).Where("user_id = ?", userID))
}

func (r *repository) SumAll(ctx context.Context) (Totals, error) {
	return r.fold(r.DB(ctx))
}

func (r *repository) fold(query *gorm.DB) (Totals, error) {
	totals := Totals{Sum: decimal.Zero}
	var batch []models.LedgerEntry
	result := query.
		Model(&models.LedgerEntry{}).
		Select("id", "kind", "amount", "sequence").
		FindInBatches(&batch, sumBatchSize, func(_ *gorm.DB, _ int) error {
			for _, entry := range batch {
				totals.Sum = totals.Sum.Add(entry.SignedEffect())
				totals.Entries++
				if entry.Sequence > totals.LastSequence {
					totals.LastSequence = entry.Sequence
				}
			}
			return nil
		})
	if result.Error != nil {
		return Totals{}, result.Error
	}
	return totals, nil
}

func (r *repository) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	var ids []string
	if err := r.DB(ctx).
		Model(&models.LedgerEntry{}).
		Distinct("user_id").
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
