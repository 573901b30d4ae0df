// Package adjustments applies operator corrections to the ledger. A
// correction is always a new adjustment or reversal entry, never an edit.
package adjustments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/accountlock"
	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ledgerWriter interface {
	Post(ctx context.Context, tx *gorm.DB, input ledger.PostInput) (*models.LedgerEntry, error)
	FindByReference(ctx context.Context, tx *gorm.DB, userID string, refType enums.ReferenceType, refID string) (*models.LedgerEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
}

type accountLocker interface {
	Acquire(ctx context.Context, userID string) (func(), error)
}

type creditMetrics interface {
	AddCredited(source string, amount float64)
}

// AdjustInput is a signed manual correction.
type AdjustInput struct {
	UserID      string
	Amount      decimal.Decimal
	Reason      string
	ReferenceID string
	Actor       string
}

// ReverseInput undoes a previously written entry.
type ReverseInput struct {
	EntryID uuid.UUID
	Reason  string
	Actor   string
}

// Result describes the written (or replayed) correction.
type Result struct {
	EntryID    uuid.UUID
	UserID     string
	Kind       enums.LedgerEntryKind
	Amount     decimal.Decimal
	NewBalance decimal.Decimal
	Replayed   bool
}

// Service writes adjustment and reversal entries.
type Service struct {
	tx      txRunner
	ledger  ledgerWriter
	locker  accountLocker
	metrics creditMetrics
	logg    *logger.Logger
}

// NewService wires the adjustments service.
func NewService(tx txRunner, ledgerSvc ledgerWriter, locker accountLocker, metrics creditMetrics, logg *logger.Logger) (*Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if locker == nil {
		return nil, fmt.Errorf("account locker required")
	}
	return &Service{tx: tx, ledger: ledgerSvc, locker: locker, metrics: metrics, logg: logg}, nil
}

// Adjust posts a signed correction, idempotent on ReferenceID.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (*Result, error) {
	input.UserID = strings.TrimSpace(input.UserID)
	input.ReferenceID = strings.TrimSpace(input.ReferenceID)
	input.Reason = strings.TrimSpace(input.Reason)
	details := map[string]string{}
	if input.UserID == "" {
		details["userId"] = "is required"
	}
	if input.ReferenceID == "" {
		details["referenceId"] = "is required"
	}
	if input.Reason == "" {
		details["reason"] = "is required"
	}
	if input.Amount.IsZero() {
		details["amount"] = "must be non-zero"
	} else if !input.Amount.Equal(credits.RoundHalfUp(input.Amount, credits.StorageScale)) {
		details["amount"] = "at most 6 decimal places"
	}
	if len(details) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid adjustment").WithDetails(details)
	}

	return s.post(ctx, input.UserID, ledger.PostInput{
		UserID:        input.UserID,
		Kind:          enums.LedgerEntryAdjustment,
		Amount:        input.Amount,
		ReferenceType: enums.ReferenceManual,
		ReferenceID:   input.ReferenceID,
		Actor:         input.Actor,
		Metadata: map[string]any{
			"reason": input.Reason,
			"actor":  input.Actor,
		},
	})
}

// Reverse posts the opposite effect of an existing entry, once per entry.
func (s *Service) Reverse(ctx context.Context, input ReverseInput) (*Result, error) {
	if input.EntryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entry id is required")
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason is required")
	}

	original, err := s.ledger.Get(ctx, input.EntryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ledger entry not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load ledger entry")
	}
	if original.Kind == enums.LedgerEntryReversal {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "reversal entries cannot be reversed").
			WithDetails(map[string]string{"entryId": original.ID.String()})
	}

	return s.post(ctx, original.UserID, ledger.PostInput{
		UserID:        original.UserID,
		Kind:          enums.LedgerEntryReversal,
		Amount:        original.SignedEffect().Neg(),
		ReferenceType: enums.ReferenceReversal,
		ReferenceID:   original.ID.String(),
		Actor:         input.Actor,
		Metadata: map[string]any{
			"reason":             reason,
			"actor":              input.Actor,
			"reversed_entry_id":  original.ID.String(),
			"reversed_kind":      string(original.Kind),
			"reversed_reference": string(original.ReferenceType) + ":" + original.ReferenceID,
		},
	})
}

func (s *Service) post(ctx context.Context, userID string, input ledger.PostInput) (*Result, error) {
	release, err := s.locker.Acquire(ctx, userID)
	if err != nil {
		if errors.Is(err, accountlock.ErrTimeout) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "account lock not acquired in time")
		}
		return nil, err
	}
	defer release()

	txCtx := context.WithoutCancel(ctx)
	var result *Result
	err = s.tx.WithTx(txCtx, func(tx *gorm.DB) error {
		existing, err := s.ledger.FindByReference(txCtx, tx, input.UserID, input.ReferenceType, input.ReferenceID)
		if err == nil {
			if !existing.Amount.Equal(input.Amount) {
				return pkgerrors.New(pkgerrors.CodeIdempotency, "reference already used for a different amount").
					WithDetails(map[string]string{"referenceId": input.ReferenceID})
			}
			result = resultFrom(existing, true)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		entry, err := s.ledger.Post(txCtx, tx, input)
		if err != nil {
			return err
		}
		result = resultFrom(entry, false)
		return nil
	})
	if err != nil {
		var insufficient *balances.InsufficientFundsError
		switch {
		case errors.As(err, &insufficient):
			return nil, pkgerrors.Wrap(pkgerrors.CodeInsufficientCredits, err, "correction would make the balance negative").
				WithDetails(map[string]string{
					"required":  insufficient.Required.String(),
					"available": insufficient.Available.String(),
					"shortfall": insufficient.Shortfall().String(),
				})
		case errors.Is(err, credits.ErrOverflow):
			if s.logg != nil {
				s.logg.Critical(ctx, "balance overflow while applying correction", err)
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeAmountOverflow, err, "balance exceeds magnitude ceiling")
		case errors.Is(err, ledger.ErrDuplicateReference):
			return nil, pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "concurrent ledger write, retry")
		case pkgerrors.As(err) != nil:
			return nil, err
		default:
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "post ledger correction")
		}
	}

	if !result.Replayed {
		if s.metrics != nil && result.Amount.IsPositive() {
			s.metrics.AddCredited(string(result.Kind), result.Amount.InexactFloat64())
		}
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"user_id":  result.UserID,
				"entry_id": result.EntryID.String(),
				"kind":     string(result.Kind),
				"amount":   result.Amount.String(),
				"actor":    input.Actor,
			})
			s.logg.Info(logCtx, "ledger correction posted")
		}
	}
	return result, nil
}

func resultFrom(entry *models.LedgerEntry, replayed bool) *Result {
	return &Result{
		EntryID:    entry.ID,
		UserID:     entry.UserID,
		Kind:       entry.Kind,
		Amount:     entry.Amount,
		NewBalance: entry.BalanceAfter,
		Replayed:   replayed,
	}
}
