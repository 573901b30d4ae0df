package types

import (
	"errors"
	"testing"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

func TestEnvelopeDecode(t *testing.T) {
	var dst struct {
		Amount string `json:"amount"`
	}
	env := Envelope{Payload: []byte(`{"amount":"4.5"}`)}
	if err := env.Decode(&dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.Amount != "4.5" {
		t.Fatalf("unexpected amount %q", dst.Amount)
	}

	for _, raw := range []string{"", "  ", "null"} {
		if err := (Envelope{Payload: []byte(raw)}).Decode(&dst); !errors.Is(err, ErrEmptyPayload) {
			t.Fatalf("payload %q: expected ErrEmptyPayload, got %v", raw, err)
		}
	}
}

func TestEnvelopeLogFields(t *testing.T) {
	fields := Envelope{
		EventID:       "evt-1",
		EventType:     enums.EventPurchaseFailed,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   "agg-1",
	}.LogFields()
	if fields["event_id"] != "evt-1" || fields["aggregate_id"] != "agg-1" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if len(fields) != 4 {
		t.Fatalf("expected four fields, got %d", len(fields))
	}
}
