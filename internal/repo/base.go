package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Base is embedded by the ledger, balance and purchase repositories. The
// handle is either the root connection or the transaction the repository was
// rebound to.
type Base struct {
	db *gorm.DB
}

// NewBase binds a Base to a connection or an open transaction.
func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the handle bound to ctx.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Locked returns a handle whose next query takes row locks (SELECT ... FOR
// UPDATE). sqlite has no row locks and drops the clause.
func (b Base) Locked(ctx context.Context) *gorm.DB {
	return b.DB(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}
