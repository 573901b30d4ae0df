package enums

import (
	"fmt"
	"slices"
)

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregateLedgerEntry OutboxAggregateType = "ledger_entry"
	AggregatePurchase    OutboxAggregateType = "purchase"
	AggregateRateCard    OutboxAggregateType = "rate_card"
)

// OutboxEventType maps to the event_type column of outbox_events.
type OutboxEventType string

const (
	EventLedgerEntryAppended OutboxEventType = "ledger_entry_appended"
	EventPurchaseSucceeded   OutboxEventType = "purchase_succeeded"
	EventPurchaseFailed      OutboxEventType = "purchase_failed"
	EventRateCardPublished   OutboxEventType = "rate_card_published"
)

// eventAggregates pins every event type to the aggregate it describes.
var eventAggregates = map[OutboxEventType]OutboxAggregateType{
	EventLedgerEntryAppended: AggregateLedgerEntry,
	EventPurchaseSucceeded:   AggregatePurchase,
	EventPurchaseFailed:      AggregatePurchase,
	EventRateCardPublished:   AggregateRateCard,
}

var aggregateTypes = []OutboxAggregateType{AggregateLedgerEntry, AggregatePurchase, AggregateRateCard}

func (a OutboxAggregateType) IsValid() bool {
	return slices.Contains(aggregateTypes, a)
}

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	if a := OutboxAggregateType(value); a.IsValid() {
		return a, nil
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

func (e OutboxEventType) IsValid() bool {
	_, ok := eventAggregates[e]
	return ok
}

// Aggregate returns the aggregate type an event of this type is keyed on.
func (e OutboxEventType) Aggregate() (OutboxAggregateType, bool) {
	a, ok := eventAggregates[e]
	return a, ok
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	if e := OutboxEventType(value); e.IsValid() {
		return e, nil
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
