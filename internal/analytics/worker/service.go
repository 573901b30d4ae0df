package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/router"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
)

const (
	analyticsConsumerName = "analytics"
	defaultDedupeTTL      = 72 * time.Hour
	processedMark         = "1"
)

// Handler exports one decoded event.
type Handler interface {
	Handle(ctx context.Context, envelope types.Envelope) error
}

// DedupeStore marks event IDs as processed. The Redis client satisfies it.
type DedupeStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

// outcome tells Run how to settle a message.
type outcome int

const (
	ack outcome = iota
	retry
)

// Service consumes exported outbox events from one subscription. An event id
// is claimed in Redis before the handler runs and released again when the
// handler fails so the redelivery is processed.
type Service struct {
	subscription subscriber
	handler      Handler
	dedupe       DedupeStore
	ttl          time.Duration
	logg         *logger.Logger
}

func NewService(subscription *gcppubsub.Subscriber, handler Handler, dedupe DedupeStore, ttl time.Duration, logg *logger.Logger) (*Service, error) {
	switch {
	case subscription == nil:
		return nil, errors.New("analytics subscription is required")
	case handler == nil:
		return nil, errors.New("analytics handler is required")
	case dedupe == nil:
		return nil, errors.New("dedupe store is required")
	case logg == nil:
		return nil, errors.New("logger is required")
	}
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &Service{
		subscription: subscription,
		handler:      handler,
		dedupe:       dedupe,
		ttl:          ttl,
		logg:         logg,
	}, nil
}

// Run receives messages until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.subscription.Receive(ctx, func(msgCtx context.Context, msg *gcppubsub.Message) {
		if s.process(msgCtx, msg) == retry {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// process never retries malformed messages; redelivery cannot fix them.
func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) outcome {
	ctx = s.logg.WithField(ctx, "message_id", msg.ID)

	envelope, err := buildEnvelope(msg)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "analytics.envelope_rejected")
		return ack
	}
	ctx = s.logg.WithFields(ctx, envelope.LogFields())

	key := s.dedupe.IdempotencyKey(analyticsConsumerName, envelope.EventID)
	claimed, err := s.dedupe.SetNX(ctx, key, processedMark, s.ttl)
	if err != nil {
		s.logg.Error(ctx, "analytics.dedupe_failed", err)
		return retry
	}
	if !claimed {
		s.logg.Debug(ctx, "analytics.duplicate_skipped")
		return ack
	}

	err = s.handler.Handle(ctx, envelope)
	switch {
	case err == nil:
		s.logg.Info(ctx, "analytics.exported")
		return ack
	case errors.Is(err, router.ErrUnsupportedEventType):
		s.logg.Debug(ctx, "analytics.event_ignored")
		return ack
	}

	s.logg.Error(ctx, "analytics.export_failed", err)
	if delErr := s.dedupe.Del(ctx, key); delErr != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", delErr.Error()), "analytics.release_failed")
	}
	return retry
}

// buildEnvelope combines the stored payload envelope with the routing
// attributes set by the outbox publisher. The event id and timestamp fall
// back to the attributes when the payload lacks them.
func buildEnvelope(msg *gcppubsub.Message) (types.Envelope, error) {
	stored, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil {
		return types.Envelope{}, err
	}
	attr := func(name string) string {
		return strings.TrimSpace(msg.Attributes[name])
	}

	eventType, err := enums.ParseOutboxEventType(attr("event_type"))
	if err != nil {
		return types.Envelope{}, err
	}
	aggregateType, err := enums.ParseOutboxAggregateType(attr("aggregate_type"))
	if err != nil {
		return types.Envelope{}, err
	}
	if want, _ := eventType.Aggregate(); want != aggregateType {
		return types.Envelope{}, fmt.Errorf("%s is not a %s event", eventType, aggregateType)
	}
	aggregateID := attr("aggregate_id")
	if aggregateID == "" {
		return types.Envelope{}, errors.New("aggregate_id missing")
	}

	eventID := strings.TrimSpace(stored.EventID)
	if eventID == "" {
		eventID = attr("event_id")
	}
	if eventID == "" {
		return types.Envelope{}, errors.New("event_id missing")
	}

	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		if parsed, err := time.Parse(time.RFC3339Nano, attr("created_at")); err == nil {
			occurredAt = parsed
		}
	}

	return types.Envelope{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    occurredAt.UTC(),
		Payload:       stored.Data,
	}, nil
}
