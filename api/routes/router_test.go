package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/accountlock"
	"github.com/angelmondragon/creditledger-backend/internal/adjustments"
	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/internal/purchases"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
	"github.com/angelmondragon/creditledger-backend/internal/usage"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db/dbtest"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/metrics"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
)

const adminToken = "test-admin-token"

type testServer struct {
	handler http.Handler
	ledger  ledger.Service
	tx      interface {
		WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	client := dbtest.New(t)
	calc := credits.NewCalculator(credits.DefaultCeiling)
	billing := config.BillingConfig{
		CreditsPerDollar: 1000,
		Markup:           "4",
		RoundingMode:     "precise",
		RateCardVersion:  "router-test",
		UsageRateWindow:  time.Minute,
	}
	cfg := &config.Config{
		App:     config.AppConfig{Env: "test"},
		Billing: billing,
		Admin:   config.AdminConfig{Token: adminToken},
	}

	balanceRepo := balances.NewRepository(client.DB())
	projector, err := balances.NewProjector(balanceRepo, calc, 0)
	require.NoError(t, err)
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), nil)
	ledgerRepo := ledger.NewRepository(client.DB())
	ledgerSvc, err := ledger.NewService(ledgerRepo, projector, emitter)
	require.NoError(t, err)

	fallback, err := ratecard.DefaultRateCard(billing)
	require.NoError(t, err)
	rates, err := ratecard.NewStoreProvider(client, ratecard.NewRepository(client.DB()), emitter, fallback, nil)
	require.NoError(t, err)

	locker := accountlock.New(2*time.Second, nil)
	usageSvc, err := usage.NewService(usage.Deps{Tx: client, Ledger: ledgerSvc, Rates: rates, Locker: locker, Calc: calc})
	require.NoError(t, err)
	purchaseSvc, err := purchases.NewService(purchases.ServiceParams{
		Repo:   purchases.NewRepository(client.DB()),
		Ledger: ledgerSvc,
		Tx:     client,
		Locker: locker,
		Outbox: emitter,
	})
	require.NoError(t, err)
	adjustSvc, err := adjustments.NewService(client, ledgerSvc, locker, nil, nil)
	require.NoError(t, err)
	auditor, err := reconciliation.NewAuditor(reconciliation.Params{Ledger: ledgerRepo, Balances: balanceRepo})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	handler := NewRouter(Deps{
		Config:      cfg,
		DB:          client,
		Gatherer:    reg,
		HTTP:        metrics.NewHTTPMetrics(reg),
		Usage:       usageSvc,
		Balances:    projector,
		Ledger:      ledgerSvc,
		Purchases:   purchaseSvc,
		RateCards:   rates,
		Adjustments: adjustSvc,
		Auditor:     auditor,
	})
	return &testServer{handler: handler, ledger: ledgerSvc, tx: client}
}

func (s *testServer) fund(t *testing.T, user, amount string) {
	t.Helper()
	require.NoError(t, s.tx.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := s.ledger.Post(context.Background(), tx, ledger.PostInput{
			UserID:        user,
			Kind:          enums.LedgerEntryCredit,
			Amount:        credits.MustParse(amount),
			ReferenceType: enums.ReferenceStripe,
			ReferenceID:   "cs_" + user,
		})
		return err
	}))
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data in %v", body)
	return d
}

func TestHealthRoutes(t *testing.T) {
	srv := newTestServer(t)

	status, body := srv.do(t, http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "live", data(t, body)["status"])

	status, body = srv.do(t, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ready", data(t, body)["status"])
}

func TestUsageFlowThroughRouter(t *testing.T) {
	srv := newTestServer(t)
	srv.fund(t, "user-1", "5000")

	usageBody := `{"userId":"user-1","model":"gpt-4o-mini","inputTokens":1000,"outputTokens":1000,"idempotencyKey":"req-1"}`
	status, body := srv.do(t, http.MethodPost, "/api/v1/usage", usageBody, nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "48", data(t, body)["debitAmount"])
	require.Equal(t, "4952", data(t, body)["newBalance"])

	status, body = srv.do(t, http.MethodPost, "/api/v1/usage", usageBody, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, data(t, body)["replayed"])
	require.Equal(t, "4952", data(t, body)["newBalance"])

	status, body = srv.do(t, http.MethodGet, "/api/v1/users/user-1/balance", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "4952", data(t, body)["balance"])

	status, body = srv.do(t, http.MethodGet, "/api/v1/users/user-1/ledger?limit=1", "", nil)
	require.Equal(t, http.StatusOK, status)
	page := data(t, body)
	require.Equal(t, true, page["hasMore"])
	require.Len(t, page["entries"], 1)
	require.Equal(t, "debit", page["entries"].([]any)[0].(map[string]any)["kind"])

	status, body = srv.do(t, http.MethodGet, "/api/v1/users/user-1/ledger?cursor="+page["nextCursor"].(string), "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, data(t, body)["hasMore"])
	require.Equal(t, "credit", data(t, body)["entries"].([]any)[0].(map[string]any)["kind"])
}

func TestUsageDeclinedAndUnknownModel(t *testing.T) {
	srv := newTestServer(t)
	srv.fund(t, "poor", "10")

	status, body := srv.do(t, http.MethodPost, "/api/v1/usage",
		`{"userId":"poor","model":"gpt-4o-mini","inputTokens":1000,"outputTokens":1000,"idempotencyKey":"k1"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, status)
	apiErr := body["error"].(map[string]any)
	require.Equal(t, "INSUFFICIENT_CREDITS", apiErr["code"])
	require.Equal(t, "38", apiErr["details"].(map[string]any)["shortfall"])

	status, body = srv.do(t, http.MethodPost, "/api/v1/usage",
		`{"userId":"poor","model":"mystery-model","inputTokens":1,"outputTokens":1,"idempotencyKey":"k2"}`, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_MODEL", body["error"].(map[string]any)["code"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	srv.fund(t, "user-9", "100")

	status, _ := srv.do(t, http.MethodGet, "/api/v1/admin/reconciliation", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	auth := map[string]string{"X-Admin-Token": adminToken, "X-Admin-Actor": "ops"}
	status, body := srv.do(t, http.MethodGet, "/api/v1/admin/reconciliation", "", auth)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, data(t, body)["consistent"])

	status, body = srv.do(t, http.MethodPost, "/api/v1/admin/adjustments",
		`{"userId":"user-9","amount":"-40.5","reason":"support","referenceId":"ticket-1"}`, auth)
	require.Equal(t, http.StatusCreated, status, body)
	require.Equal(t, "59.5", data(t, body)["newBalance"])

	status, body = srv.do(t, http.MethodGet, "/api/v1/admin/reconciliation/users/user-9", "", auth)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "59.5", data(t, body)["ledgerSum"])
}

func TestPackagesAndRateCard(t *testing.T) {
	srv := newTestServer(t)

	status, body := srv.do(t, http.MethodGet, "/api/v1/packages", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, data(t, body)["packages"], 3)

	status, body = srv.do(t, http.MethodGet, "/api/v1/rate-card", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "router-test", data(t, body)["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodGet, "/health/live", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/health/live",status="200"} 1`)
}

func TestAnalyticsRouteDisabledWithoutBigQuery(t *testing.T) {
	srv := newTestServer(t)
	auth := map[string]string{"X-Admin-Token": adminToken, "X-Admin-Actor": "ops"}
	status, _ := srv.do(t, http.MethodGet, "/api/v1/admin/analytics/usage", "", auth)
	require.Equal(t, http.StatusNotFound, status)
}
