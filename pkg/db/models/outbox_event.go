package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// OutboxEvent is a queued domain event. Rows are inserted in the same
// transaction as the ledger or purchase change they describe and are
// published at least once by the outbox publisher.
type OutboxEvent struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	EventType     enums.OutboxEventType     `gorm:"column:event_type;not null"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;not null"`
	AggregateID   uuid.UUID                 `gorm:"column:aggregate_id;type:uuid;not null"`
	Payload       datatypes.JSON            `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt     time.Time                 `gorm:"column:created_at;not null"`
	PublishedAt   *time.Time                `gorm:"column:published_at"`
	AttemptCount  int                       `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string                   `gorm:"column:last_error"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// NextAttemptExhausts reports whether one more failed attempt reaches the
// attempt ceiling. A non-positive ceiling never exhausts.
func (e OutboxEvent) NextAttemptExhausts(maxAttempts int) bool {
	return maxAttempts > 0 && e.AttemptCount+1 >= maxAttempts
}

// Age is the time the row has waited since it was queued.
func (e OutboxEvent) Age(now time.Time) time.Duration {
	if e.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CreatedAt)
}
