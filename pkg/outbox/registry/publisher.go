package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
)

// ErrPermanent marks rows that can never be published. The publisher parks
// them instead of retrying.
var ErrPermanent = errors.New("permanent outbox failure")

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// EventDescriptor routes one event type to a topic and knows how to decode
// its payload.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	decode        func(json.RawMessage) (any, error)
}

// describe builds the descriptor of an event whose payload decodes into T.
func describe[T any](eventType enums.OutboxEventType, topic string) EventDescriptor {
	aggregate, _ := eventType.Aggregate()
	return EventDescriptor{
		EventType:     eventType,
		AggregateType: aggregate,
		Topic:         topic,
		decode: func(raw json.RawMessage) (any, error) {
			payload := new(T)
			if err := json.Unmarshal(raw, payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}
}

// ResolvedEvent is an outbox row validated against its descriptor.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// EventRegistry maps each published event type to its descriptor. Ledger
// and rate card events share the ledger topic; purchase events have their
// own.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.LedgerTopic == "" {
		return nil, errors.New("ledger topic is required")
	}
	if cfg.PurchaseTopic == "" {
		return nil, errors.New("purchase topic is required")
	}

	descriptors := []EventDescriptor{
		describe[payloads.LedgerEntryAppendedEvent](enums.EventLedgerEntryAppended, cfg.LedgerTopic),
		describe[payloads.RateCardPublishedEvent](enums.EventRateCardPublished, cfg.LedgerTopic),
		describe[payloads.PurchaseSucceededEvent](enums.EventPurchaseSucceeded, cfg.PurchaseTopic),
		describe[payloads.PurchaseFailedEvent](enums.EventPurchaseFailed, cfg.PurchaseTopic),
	}
	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Topics lists the distinct topics in sorted order.
func (r *EventRegistry) Topics() []string {
	set := make(map[string]struct{}, len(r.entries))
	for _, desc := range r.entries {
		set[desc.Topic] = struct{}{}
	}
	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Resolve validates the row and decodes its typed payload. Every failure
// is permanent since the row will not change on retry.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return nil, Permanent(fmt.Errorf("unsupported event type %s", event.EventType))
	case desc.AggregateType != event.AggregateType:
		return nil, Permanent(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	case event.AggregateID == uuid.Nil:
		return nil, Permanent(errors.New("missing aggregate_id"))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, Permanent(fmt.Errorf("%s: %w", event.EventType, err))
	}
	payload, err := desc.decode(envelope.Data)
	if err != nil {
		return nil, Permanent(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
