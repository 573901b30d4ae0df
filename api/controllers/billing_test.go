package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/creditledger-backend/internal/purchases"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
)

type stubCheckout struct {
	catalog *purchases.Catalog
	input   purchases.CheckoutInput
}

func (s *stubCheckout) Catalog() *purchases.Catalog { return s.catalog }

func (s *stubCheckout) CreateCheckout(_ context.Context, input purchases.CheckoutInput) (*purchases.CheckoutResult, error) {
	s.input = input
	pkg, ok := s.catalog.Lookup(input.PackageCode)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown package")
	}
	return &purchases.CheckoutResult{
		Purchase: &models.Purchase{
			ID:                uuid.New(),
			UserID:            input.UserID,
			PackageCode:       pkg.Code,
			TotalCredits:      pkg.TotalCredits(),
			Status:            enums.PurchaseStatusPending,
			ProviderSessionID: "cs_test_1",
		},
		URL: "https://checkout.stripe.test/cs_test_1",
	}, nil
}

type stubRates struct {
	card *ratecard.RateCard
	err  error
}

func (s stubRates) Active(context.Context) (*ratecard.RateCard, error) { return s.card, s.err }

func TestCheckoutCreatesSession(t *testing.T) {
	svc := &stubCheckout{catalog: purchases.NewCatalog()}
	rec := httptest.NewRecorder()
	Checkout(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkout",
		strings.NewReader(`{"userId":"user-1","packageCode":"builder"}`)))

	require.Equal(t, http.StatusCreated, rec.Code)
	out := decodeEnvelope(t, rec)
	require.Equal(t, "https://checkout.stripe.test/cs_test_1", out.Data["checkoutUrl"])
	require.EqualValues(t, 22000, out.Data["totalCredits"])
	require.Equal(t, "pending", out.Data["status"])
	require.Equal(t, "user-1", svc.input.UserID)
}

func TestCheckoutRejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	Checkout(&stubCheckout{catalog: purchases.NewCatalog()}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkout",
		strings.NewReader(`{"userId":"user-1","packageCode":"starter","credits":999999}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPackages(t *testing.T) {
	rec := httptest.NewRecorder()
	ListPackages(&stubCheckout{catalog: purchases.NewCatalog()}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/packages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeEnvelope(t, rec).Data["packages"], 3)
}

func TestGetRateCard(t *testing.T) {
	card := &ratecard.RateCard{Version: "2025-01", Currency: "USD", RoundingMode: enums.RoundingCeil}
	rec := httptest.NewRecorder()
	GetRateCard(stubRates{card: card}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rate-card", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2025-01", decodeEnvelope(t, rec).Data["version"])

	rec = httptest.NewRecorder()
	GetRateCard(stubRates{err: ratecard.ErrNoActiveCard}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rate-card", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
