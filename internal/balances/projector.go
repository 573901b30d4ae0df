// Package balances maintains the cached per-user balance. The projector is
// the only writer of account_balances and always runs inside the caller's
// ledger transaction.
package balances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
)

// ErrConcurrentUpdate means the locked row changed underneath the caller,
// which only happens if a writer bypassed the row lock.
var ErrConcurrentUpdate = errors.New("balances: concurrent balance update")

// InsufficientFundsError reports a debit larger than the available balance.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s", e.Required.String(), e.Available.String())
}

// Shortfall is how many credits are missing.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return credits.ErrInsufficientBalance
}

// Projector reads and mutates cached balances.
type Projector struct {
	repo        Repository
	calc        credits.Calculator
	lockTimeout time.Duration
}

// NewProjector wires a Projector. lockTimeout bounds Postgres row-lock waits
// for writers in other processes.
func NewProjector(repo Repository, calc credits.Calculator, lockTimeout time.Duration) (*Projector, error) {
	if repo == nil {
		return nil, fmt.Errorf("balance repository required")
	}
	return &Projector{repo: repo, calc: calc, lockTimeout: lockTimeout}, nil
}

// GetBalance returns the cached balance, creating a zero row on first access.
func (p *Projector) GetBalance(ctx context.Context, userID string) (*models.AccountBalance, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	row, err := p.repo.Find(ctx, userID)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := p.repo.Ensure(ctx, userID); err != nil {
		return nil, err
	}
	return p.repo.Find(ctx, userID)
}

// LockForUpdate returns the user's row locked for the rest of tx.
func (p *Projector) LockForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*models.AccountBalance, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if p.lockTimeout > 0 && tx.Dialector.Name() == "postgres" {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
		if err := tx.WithContext(ctx).Exec(stmt).Error; err != nil {
			return nil, err
		}
	}
	repo := p.repo.WithTx(tx)
	if err := repo.Ensure(ctx, userID); err != nil {
		return nil, err
	}
	return repo.FindForUpdate(ctx, userID)
}

// ApplyDelta adds a signed amount to the user's balance inside tx. The
// returned row carries the new balance and its version, which is also the
// sequence of the ledger entry being written.
func (p *Projector) ApplyDelta(ctx context.Context, tx *gorm.DB, userID string, delta decimal.Decimal, allowNegative bool) (*models.AccountBalance, error) {
	row, err := p.LockForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	next, err := p.calc.Add(row.Balance, delta)
	if err != nil {
		return nil, err
	}
	if next.IsNegative() && !allowNegative {
		return nil, &InsufficientFundsError{Required: delta.Neg(), Available: row.Balance}
	}

	ok, err := p.repo.WithTx(tx).CompareAndSet(ctx, userID, row.Version, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConcurrentUpdate
	}
	row.Balance = next
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	return row, nil
}

// SumAll totals every cached balance.
func (p *Projector) SumAll(ctx context.Context) (Totals, error) {
	return p.repo.SumAll(ctx)
}
