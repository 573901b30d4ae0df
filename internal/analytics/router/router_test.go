package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
)

func TestRouterUnsupportedEvent(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	env := types.Envelope{
		EventType: enums.EventRateCardPublished,
		Payload:   []byte(`{"version":"v2"}`),
	}
	err := router.Handle(context.Background(), env)
	if !errors.Is(err, ErrUnsupportedEventType) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestRouterRoutesToOverride(t *testing.T) {
	handler := &stubHandler{}
	router, _ := newTestRouter(t, map[enums.OutboxEventType]Handler{
		enums.EventPurchaseFailed: handler,
	})
	env := purchaseFailedEnvelope(t)
	if err := router.Handle(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handler.called {
		t.Fatalf("handler not invoked")
	}
}

func TestRouterRejectsEmptyPayload(t *testing.T) {
	router, writer := newTestRouter(t, nil)
	env := types.Envelope{EventType: enums.EventLedgerEntryAppended}
	if err := router.Handle(context.Background(), env); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if len(writer.ledger) != 0 {
		t.Fatal("writer should not be called")
	}
}

func TestRouterRejectsNullPayload(t *testing.T) {
	router, writer := newTestRouter(t, nil)
	env := types.Envelope{EventType: enums.EventPurchaseSucceeded, Payload: []byte(" null ")}
	err := router.Handle(context.Background(), env)
	if !errors.Is(err, types.ErrEmptyPayload) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
	if len(writer.purchases) != 0 {
		t.Fatal("writer should not be called")
	}
}

func TestOverrideForUnroutedEventIsIgnored(t *testing.T) {
	handler := &stubHandler{}
	router, _ := newTestRouter(t, map[enums.OutboxEventType]Handler{
		enums.EventRateCardPublished: handler,
	})
	env := types.Envelope{EventType: enums.EventRateCardPublished, Payload: []byte(`{}`)}
	if err := router.Handle(context.Background(), env); !errors.Is(err, ErrUnsupportedEventType) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	if handler.called {
		t.Fatal("override must not add routes")
	}
}

func TestLedgerEntryHandlerBuildsRow(t *testing.T) {
	router, writer := newTestRouter(t, nil)
	entryID := uuid.New()
	createdAt := time.Date(2026, 3, 4, 10, 0, 0, 0, time.FixedZone("x", 3600))
	event := payloads.LedgerEntryAppendedEvent{
		EntryID:       entryID,
		UserID:        "user-1",
		Sequence:      7,
		Kind:          "debit",
		Amount:        "12.5",
		BalanceAfter:  "87.5",
		ReferenceType: "usage",
		ReferenceID:   "req-1",
		Metadata:      json.RawMessage(`{"model":"gpt-4o","rate_card_version":"2026-03","input_tokens":1000}`),
		CreatedAt:     createdAt,
	}
	env := envelopeFor(t, enums.EventLedgerEntryAppended, event)

	if err := router.Handle(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(writer.ledger) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(writer.ledger))
	}
	row := writer.ledger[0]
	if row.EventID != env.EventID || row.EntryID != entryID.String() || row.Sequence != 7 {
		t.Fatalf("unexpected identifiers %+v", row)
	}
	if row.Amount.FloatString(1) != "12.5" {
		t.Fatalf("unexpected amount %s", row.Amount.FloatString(2))
	}
	if row.SignedAmount.FloatString(1) != "-12.5" {
		t.Fatalf("debits should be negative, got %s", row.SignedAmount.FloatString(2))
	}
	if row.BalanceAfter.FloatString(1) != "87.5" {
		t.Fatalf("unexpected balance %s", row.BalanceAfter.FloatString(2))
	}
	if row.Model == nil || *row.Model != "gpt-4o" {
		t.Fatalf("expected model from metadata, got %v", row.Model)
	}
	if row.RateCardVersion == nil || *row.RateCardVersion != "2026-03" {
		t.Fatalf("expected rate card version, got %v", row.RateCardVersion)
	}
	if !row.Metadata.Valid {
		t.Fatal("expected metadata json to be kept")
	}
	if !row.OccurredAt.Equal(createdAt) || row.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected created_at in UTC, got %v", row.OccurredAt)
	}
}

func TestLedgerEntryHandlerCreditWithoutMetadata(t *testing.T) {
	router, writer := newTestRouter(t, nil)
	occurred := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	event := payloads.LedgerEntryAppendedEvent{
		EntryID:       uuid.New(),
		UserID:        "user-1",
		Sequence:      1,
		Kind:          "credit",
		Amount:        "100",
		BalanceAfter:  "100",
		ReferenceType: "stripe",
		ReferenceID:   "cs_123",
	}
	env := envelopeFor(t, enums.EventLedgerEntryAppended, event)
	env.OccurredAt = occurred

	if err := router.Handle(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row := writer.ledger[0]
	if row.SignedAmount.FloatString(0) != "100" {
		t.Fatalf("credits keep their sign, got %s", row.SignedAmount.FloatString(0))
	}
	if row.Model != nil || row.Metadata.Valid {
		t.Fatalf("expected empty model and metadata, got %+v", row)
	}
	if !row.OccurredAt.Equal(occurred) {
		t.Fatalf("expected envelope time fallback, got %v", row.OccurredAt)
	}
}

func TestLedgerEntryHandlerRejectsBadAmount(t *testing.T) {
	router, writer := newTestRouter(t, nil)
	event := payloads.LedgerEntryAppendedEvent{
		EntryID:      uuid.New(),
		Kind:         "debit",
		Amount:       "twelve",
		BalanceAfter: "0",
	}
	if err := router.Handle(context.Background(), envelopeFor(t, enums.EventLedgerEntryAppended, event)); err == nil {
		t.Fatal("expected amount parse error")
	}
	if len(writer.ledger) != 0 {
		t.Fatal("writer should not be called")
	}
}

func TestPurchaseHandlers(t *testing.T) {
	router, writer := newTestRouter(t, nil)
	entryID := uuid.New()
	succeeded := payloads.PurchaseSucceededEvent{
		PurchaseID:        uuid.New(),
		UserID:            "user-1",
		PackageCode:       "starter",
		TotalCredits:      1100,
		PriceUSDCents:     999,
		ProviderSessionID: "cs_1",
		LedgerEntryID:     entryID,
	}
	if err := router.Handle(context.Background(), envelopeFor(t, enums.EventPurchaseSucceeded, succeeded)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := router.Handle(context.Background(), purchaseFailedEnvelope(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(writer.purchases) != 2 {
		t.Fatalf("expected two purchase rows, got %d", len(writer.purchases))
	}
	ok := writer.purchases[0]
	if ok.EventType != "purchase_succeeded" || *ok.TotalCredits != 1100 || *ok.PriceUSDCents != 999 {
		t.Fatalf("unexpected succeeded row %+v", ok)
	}
	if ok.LedgerEntryID == nil || *ok.LedgerEntryID != entryID.String() {
		t.Fatalf("expected ledger entry id, got %v", ok.LedgerEntryID)
	}
	failed := writer.purchases[1]
	if failed.EventType != "purchase_failed" || failed.FailureReason == nil || *failed.FailureReason != "expired" {
		t.Fatalf("unexpected failed row %+v", failed)
	}
	if failed.TotalCredits != nil {
		t.Fatal("failed purchases carry no credits")
	}
}

func purchaseFailedEnvelope(t *testing.T) types.Envelope {
	t.Helper()
	return envelopeFor(t, enums.EventPurchaseFailed, payloads.PurchaseFailedEvent{
		PurchaseID:        uuid.New(),
		UserID:            "user-1",
		ProviderSessionID: "cs_2",
		Reason:            "expired",
	})
}

func envelopeFor(t *testing.T, eventType enums.OutboxEventType, payload any) types.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return types.Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		Payload:    data,
	}
}

func newTestRouter(t *testing.T, overrides map[enums.OutboxEventType]Handler) (*Router, *stubWriter) {
	t.Helper()
	writer := &stubWriter{}
	router, err := NewRouter(writer, logger.New(logger.Options{ServiceName: "router-test"}), overrides)
	if err != nil {
		t.Fatalf("construct router: %v", err)
	}
	return router, writer
}

type stubHandler struct {
	called bool
}

func (s *stubHandler) Handle(ctx context.Context, envelope types.Envelope, payload any) error {
	s.called = true
	return nil
}

type stubWriter struct {
	ledger    []types.LedgerEntryRow
	purchases []types.PurchaseEventRow
}

func (s *stubWriter) InsertLedgerEntry(_ context.Context, row types.LedgerEntryRow) error {
	s.ledger = append(s.ledger, row)
	return nil
}

func (s *stubWriter) InsertPurchaseEvent(_ context.Context, row types.PurchaseEventRow) error {
	s.purchases = append(s.purchases, row)
	return nil
}
