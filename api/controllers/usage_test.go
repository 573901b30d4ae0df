package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/creditledger-backend/internal/usage"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
)

type stubBiller struct {
	got    usage.Request
	result *usage.Result
	err    error
}

func (s *stubBiller) BillUsage(_ context.Context, req usage.Request) (*usage.Result, error) {
	s.got = req
	return s.result, s.err
}

type envelope struct {
	Data  map[string]any `json:"data"`
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var out envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestBillUsageSuccess(t *testing.T) {
	svc := &stubBiller{result: &usage.Result{
		Status:          enums.UsageStatusSuccess,
		EntryID:         uuid.New(),
		Sequence:        2,
		DebitAmount:     credits.MustParse("48"),
		NewBalance:      credits.MustParse("4952"),
		RateCardVersion: "2025-01",
		Model:           "gpt-4o-mini",
	}}
	body := `{"userId":"user-1","model":"gpt-4o-mini","inputTokens":1000,"outputTokens":1000,"idempotencyKey":"req-1"}`
	rec := httptest.NewRecorder()
	BillUsage(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/usage", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeEnvelope(t, rec)
	require.Equal(t, "48", out.Data["debitAmount"])
	require.Equal(t, "4952", out.Data["newBalance"])
	require.Equal(t, "success", out.Data["status"])
	require.Equal(t, "req-1", svc.got.IdempotencyKey)
	require.Equal(t, int64(1000), svc.got.InputTokens)
}

func TestBillUsageHeaderKeyFallback(t *testing.T) {
	svc := &stubBiller{result: &usage.Result{Status: enums.UsageStatusDuplicate, Replayed: true}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/usage", strings.NewReader(`{"userId":"u","model":"m","inputTokens":1,"outputTokens":0}`))
	req.Header.Set("Idempotency-Key", "hdr-key")
	rec := httptest.NewRecorder()
	BillUsage(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hdr-key", svc.got.IdempotencyKey)
	require.Equal(t, true, decodeEnvelope(t, rec).Data["replayed"])
}

func TestBillUsageRequiresKey(t *testing.T) {
	rec := httptest.NewRecorder()
	BillUsage(&stubBiller{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/usage",
		strings.NewReader(`{"userId":"u","model":"m","inputTokens":1,"outputTokens":1}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(pkgerrors.CodeValidation), decodeEnvelope(t, rec).Error.Code)
}

func TestBillUsageRejectsNegativeTokens(t *testing.T) {
	rec := httptest.NewRecorder()
	BillUsage(&stubBiller{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/usage",
		strings.NewReader(`{"userId":"u","model":"m","inputTokens":-1,"outputTokens":1,"idempotencyKey":"k"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeEnvelope(t, rec).Error.Details, "inputTokens")
}

func TestBillUsageInsufficientCredits(t *testing.T) {
	svc := &stubBiller{result: &usage.Result{
		Status:    enums.UsageStatusInsufficientFunds,
		Required:  credits.MustParse("48"),
		Available: credits.MustParse("10"),
		Shortfall: credits.MustParse("38"),
	}}
	rec := httptest.NewRecorder()
	BillUsage(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/usage",
		strings.NewReader(`{"userId":"u","model":"gpt-4o-mini","inputTokens":1000,"outputTokens":1000,"idempotencyKey":"k"}`)))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	out := decodeEnvelope(t, rec)
	require.Equal(t, "INSUFFICIENT_CREDITS", out.Error.Code)
	require.Equal(t, string(pkgerrors.CodeInsufficientCredits), out.Error.Code)
	require.Len(t, out.Error.Details, 3)
	require.Equal(t, "48", out.Error.Details["required"])
	require.Equal(t, "10", out.Error.Details["available"])
	require.Equal(t, "38", out.Error.Details["shortfall"])
}

func TestBillUsageMapsServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{pkgerrors.New(pkgerrors.CodeInvalidModel, "unknown model"), http.StatusBadRequest},
		{pkgerrors.New(pkgerrors.CodeLockTimeout, "busy"), http.StatusServiceUnavailable},
		{pkgerrors.New(pkgerrors.CodeIdempotency, "reused"), http.StatusConflict},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		BillUsage(&stubBiller{err: tc.err}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/usage",
			strings.NewReader(`{"userId":"u","model":"m","inputTokens":1,"outputTokens":1,"idempotencyKey":"k"}`)))
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}
