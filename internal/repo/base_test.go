package repo

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type sample struct {
	ID   int64 `gorm:"primaryKey"`
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&sample{}); err != nil {
		t.Fatalf("migrate sample: %v", err)
	}
	return conn
}

func TestBaseDB_BindsContext(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)

	ctx := context.WithValue(context.Background(), struct{}{}, "value")
	withCtx := base.DB(ctx)
	if withCtx.Statement.Context != ctx {
		t.Fatalf("expected context to flow through, got %v", withCtx.Statement.Context)
	}

	if base.DB(nil) != db {
		t.Fatalf("expected nil context to return raw connection")
	}
}

func TestBaseFollowsTransaction(t *testing.T) {
	db := newTestDB(t)
	err := db.Transaction(func(tx *gorm.DB) error {
		base := NewBase(tx)
		if err := base.DB(context.Background()).Create(&sample{ID: 1, Name: "in-tx"}).Error; err != nil {
			return err
		}
		return gorm.ErrInvalidTransaction
	})
	if err != gorm.ErrInvalidTransaction {
		t.Fatalf("expected rollback sentinel, got %v", err)
	}

	var count int64
	if err := NewBase(db).DB(context.Background()).Model(&sample{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rolled back insert, got %d rows", count)
	}
}

func TestBaseLockedQueryRunsOnSqlite(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)
	if err := base.DB(context.Background()).Create(&sample{ID: 7, Name: "row"}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	var row sample
	if err := base.Locked(context.Background()).Where("id = ?", 7).First(&row).Error; err != nil {
		t.Fatalf("locked select: %v", err)
	}
	if row.Name != "row" {
		t.Fatalf("unexpected row %+v", row)
	}
}
