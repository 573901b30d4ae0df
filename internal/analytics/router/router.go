package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
)

var ErrUnsupportedEventType = errors.New("unsupported analytics event type")

// Writer buffers the warehouse rows built from exported events.
type Writer interface {
	InsertLedgerEntry(ctx context.Context, row types.LedgerEntryRow) error
	InsertPurchaseEvent(ctx context.Context, row types.PurchaseEventRow) error
}

// Handler turns one decoded event into warehouse rows.
type Handler interface {
	Handle(ctx context.Context, envelope types.Envelope, payload any) error
}

// route pairs an event's payload decoder with the handler that exports it.
type route struct {
	decode  func(types.Envelope) (any, error)
	handler Handler
}

func bind[T any](handler Handler) route {
	return route{
		decode: func(envelope types.Envelope) (any, error) {
			payload := new(T)
			if err := envelope.Decode(payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
		handler: handler,
	}
}

// Router exports the event types the warehouse tracks. Everything else is
// ErrUnsupportedEventType.
type Router struct {
	routes map[enums.OutboxEventType]route
}

// NewRouter builds the default routes. overrides swap the handler of an
// already routed event type and are ignored for anything else.
func NewRouter(writer Writer, logg *logger.Logger, overrides map[enums.OutboxEventType]Handler) (*Router, error) {
	switch {
	case writer == nil:
		return nil, errors.New("writer is required")
	case logg == nil:
		return nil, errors.New("logger is required")
	}

	purchases := &purchaseHandler{writer: writer}
	routes := map[enums.OutboxEventType]route{
		enums.EventLedgerEntryAppended: bind[payloads.LedgerEntryAppendedEvent](&ledgerEntryHandler{writer: writer, logg: logg}),
		enums.EventPurchaseSucceeded:   bind[payloads.PurchaseSucceededEvent](purchases),
		enums.EventPurchaseFailed:      bind[payloads.PurchaseFailedEvent](purchases),
	}
	for eventType, handler := range overrides {
		if r, ok := routes[eventType]; ok && handler != nil {
			r.handler = handler
			routes[eventType] = r
		}
	}
	return &Router{routes: routes}, nil
}

// Handle decodes the payload for the envelope's event type and exports it.
func (r *Router) Handle(ctx context.Context, envelope types.Envelope) error {
	rt, ok := r.routes[envelope.EventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEventType, envelope.EventType)
	}
	payload, err := rt.decode(envelope)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", envelope.EventType, err)
	}
	return rt.handler.Handle(ctx, envelope, payload)
}

// optional maps the zero value to a NULL column.
func optional[T comparable](value T) *T {
	var zero T
	if value == zero {
		return nil
	}
	return &value
}
