package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeVersion is the envelope layout written by Emit. Consumers accept
// any version up to it.
const EnvelopeVersion = 1

var (
	ErrEnvelopeData    = errors.New("envelope data missing")
	ErrEnvelopeVersion = errors.New("unsupported envelope version")
)

// ActorRef identifies who produced the event: the account it concerns and
// the operator or system that caused it.
type ActorRef struct {
	UserID string `json:"userId,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// PayloadEnvelope wraps every event payload stored in outbox_events and
// published to Pub/Sub.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a stored envelope and checks its version and data.
// A zero version predates versioning and reads as version 1.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var envelope PayloadEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Version == 0 {
		envelope.Version = 1
	}
	if envelope.Version < 0 || envelope.Version > EnvelopeVersion {
		return PayloadEnvelope{}, fmt.Errorf("%w: %d", ErrEnvelopeVersion, envelope.Version)
	}
	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return PayloadEnvelope{}, ErrEnvelopeData
	}
	return envelope, nil
}
