package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const aggregateUniqueIndex = "ux_outbox_events_event_aggregate"

var (
	// ErrTxRequired is returned when an event is emitted outside a transaction.
	ErrTxRequired = errors.New("outbox: transaction required")
	// ErrInvalidEvent marks events with an unknown type or a missing aggregate.
	ErrInvalidEvent = errors.New("outbox: invalid event")
)

// DomainEvent is a state change to be published after its transaction
// commits. Data is marshalled into the envelope as-is.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

func (e DomainEvent) validate() error {
	aggregate, ok := e.EventType.Aggregate()
	switch {
	case !ok:
		return fmt.Errorf("%w: event type %q", ErrInvalidEvent, e.EventType)
	case !e.AggregateType.IsValid():
		return fmt.Errorf("%w: aggregate type %q", ErrInvalidEvent, e.AggregateType)
	case aggregate != e.AggregateType:
		return fmt.Errorf("%w: %s belongs to %s, not %s", ErrInvalidEvent, e.EventType, aggregate, e.AggregateType)
	case e.AggregateID == uuid.Nil:
		return fmt.Errorf("%w: aggregate id required", ErrInvalidEvent)
	}
	return nil
}

// Service writes domain events to the outbox table.
type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit queues an event inside the caller's transaction so it commits or
// rolls back together with the state change it describes.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return ErrTxRequired
	}
	row, eventID, err := s.row(event)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return err
	}
	s.logQueued(ctx, eventID, row)
	return nil
}

// EmitIfNotExists queues the event unless one with the same type and
// aggregate is already stored. A concurrent insert losing the unique index
// race counts as already queued.
func (s *Service) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return ErrTxRequired
	}
	exists, err := s.repo.ExistsTx(tx, event.EventType, event.AggregateType, event.AggregateID)
	if err != nil || exists {
		return err
	}
	err = s.Emit(ctx, tx, event)
	if dbpkg.IsUniqueViolation(err, aggregateUniqueIndex) {
		return nil
	}
	return err
}

func (s *Service) row(event DomainEvent) (models.OutboxEvent, string, error) {
	if err := event.validate(); err != nil {
		return models.OutboxEvent{}, "", err
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, "", fmt.Errorf("marshal %s data: %w", event.EventType, err)
	}

	now := s.now().UTC()
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	version := event.Version
	if version == 0 {
		version = EnvelopeVersion
	}
	envelope := PayloadEnvelope{
		Version:    version,
		EventID:    uuid.NewString(),
		OccurredAt: occurredAt.UTC(),
		Actor:      event.Actor,
		Data:       data,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return models.OutboxEvent{}, "", fmt.Errorf("marshal %s envelope: %w", event.EventType, err)
	}
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       datatypes.JSON(raw),
		CreatedAt:     now,
	}, envelope.EventID, nil
}

func (s *Service) logQueued(ctx context.Context, eventID string, row models.OutboxEvent) {
	if s.logg == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":       eventID,
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
	})
	s.logg.Debug(ctx, "outbox event queued")
}
