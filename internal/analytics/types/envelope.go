package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// ErrEmptyPayload is returned when an envelope carries no event data.
var ErrEmptyPayload = errors.New("empty payload")

// Envelope is an outbox event as delivered to the analytics worker.
type Envelope struct {
	EventID       string                    `json:"event_id"`
	EventType     enums.OutboxEventType     `json:"event_type"`
	AggregateType enums.OutboxAggregateType `json:"aggregate_type"`
	AggregateID   string                    `json:"aggregate_id"`
	OccurredAt    time.Time                 `json:"occurred_at"`
	Payload       json.RawMessage           `json:"payload"`
}

// Decode unmarshals the event payload into dst. A missing or null payload
// is ErrEmptyPayload.
func (e Envelope) Decode(dst any) error {
	raw := bytes.TrimSpace(e.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ErrEmptyPayload
	}
	return json.Unmarshal(raw, dst)
}

// LogFields identifies the event in structured logs.
func (e Envelope) LogFields() map[string]any {
	return map[string]any{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"aggregate_type": e.AggregateType,
		"aggregate_id":   e.AggregateID,
	}
}
