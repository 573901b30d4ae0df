package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	"github.com/angelmondragon/creditledger-backend/api/validators"
	"github.com/angelmondragon/creditledger-backend/internal/purchases"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

type activeRateCard interface {
	Active(ctx context.Context) (*ratecard.RateCard, error)
}

type checkoutCreator interface {
	Catalog() *purchases.Catalog
	CreateCheckout(ctx context.Context, input purchases.CheckoutInput) (*purchases.CheckoutResult, error)
}

type checkoutRequest struct {
	UserID      string `json:"userId" validate:"required,max=128"`
	PackageCode string `json:"packageCode" validate:"required,max=64"`
}

type checkoutResponse struct {
	PurchaseID   string `json:"purchaseId"`
	SessionID    string `json:"sessionId"`
	CheckoutURL  string `json:"checkoutUrl"`
	PackageCode  string `json:"packageCode"`
	TotalCredits int64  `json:"totalCredits"`
	Status       string `json:"status"`
}

// GetRateCard returns the card currently used to price new usage.
func GetRateCard(provider activeRateCard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		card, err := provider.Active(r.Context())
		if err != nil {
			if errors.Is(err, ratecard.ErrNoActiveCard) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "no active rate card"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load rate card"))
			return
		}
		responses.WriteSuccess(w, card)
	}
}

func ListPackages(svc checkoutCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]any{"packages": svc.Catalog().List()})
	}
}

// Checkout opens a hosted payment session for a credit package. Credits are
// granted later by the payment webhook, never by this call.
func Checkout(svc checkoutCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body checkoutRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.CreateCheckout(r.Context(), purchases.CheckoutInput{
			UserID:      body.UserID,
			PackageCode: body.PackageCode,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, checkoutResponse{
			PurchaseID:   result.Purchase.ID.String(),
			SessionID:    result.Purchase.ProviderSessionID,
			CheckoutURL:  result.URL,
			PackageCode:  result.Purchase.PackageCode,
			TotalCredits: result.Purchase.TotalCredits,
			Status:       string(result.Purchase.Status),
		})
	}
}
