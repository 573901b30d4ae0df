package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	"github.com/angelmondragon/creditledger-backend/api/validators"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

type balanceReader interface {
	GetBalance(ctx context.Context, userID string) (*models.AccountBalance, error)
}

type ledgerLister interface {
	List(ctx context.Context, userID string, params pagination.Params) (*ledger.Page, error)
}

type purchaseLister interface {
	ListByUser(ctx context.Context, userID string) ([]models.Purchase, error)
}

type balanceResponse struct {
	UserID    string    `json:"userId"`
	Balance   string    `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ledgerEntryResponse struct {
	ID            uuid.UUID             `json:"id"`
	Sequence      int64                 `json:"sequence"`
	Kind          enums.LedgerEntryKind `json:"kind"`
	Amount        string                `json:"amount"`
	SignedAmount  string                `json:"signedAmount"`
	BalanceAfter  string                `json:"balanceAfter"`
	ReferenceType enums.ReferenceType   `json:"referenceType"`
	ReferenceID   string                `json:"referenceId"`
	Metadata      json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
}

type ledgerPageResponse struct {
	Entries    []ledgerEntryResponse `json:"entries"`
	NextCursor string                `json:"nextCursor,omitempty"`
	HasMore    bool                  `json:"hasMore"`
}

type purchaseResponse struct {
	ID            uuid.UUID            `json:"id"`
	PackageCode   string               `json:"packageCode"`
	PriceUSDCents int64                `json:"priceUsdCents"`
	TotalCredits  int64                `json:"totalCredits"`
	Status        enums.PurchaseStatus `json:"status"`
	SessionID     string               `json:"sessionId"`
	FailureReason *string              `json:"failureReason,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

func GetBalance(svc balanceReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		row, err := svc.GetBalance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load balance"))
			return
		}
		responses.WriteSuccess(w, balanceResponse{
			UserID:    row.UserID,
			Balance:   row.Balance.String(),
			Version:   row.Version,
			UpdatedAt: row.UpdatedAt,
		})
	}
}

// ListLedger pages a user's entries newest first.
func ListLedger(svc ledgerLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
		if _, err := pagination.ParseCursor(cursor); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor").
				WithDetails(map[string]string{"cursor": "is invalid"}))
			return
		}

		page, err := svc.List(r.Context(), userID, pagination.Params{Limit: limit, Cursor: cursor})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger"))
			return
		}

		out := ledgerPageResponse{
			Entries:    make([]ledgerEntryResponse, 0, len(page.Entries)),
			NextCursor: page.NextCursor,
			HasMore:    page.HasMore,
		}
		for i := range page.Entries {
			out.Entries = append(out.Entries, newLedgerEntryResponse(&page.Entries[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func ListPurchases(svc purchaseLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.ListByUser(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]purchaseResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, purchaseResponse{
				ID:            row.ID,
				PackageCode:   row.PackageCode,
				PriceUSDCents: row.PriceUSDCents,
				TotalCredits:  row.TotalCredits,
				Status:        row.Status,
				SessionID:     row.ProviderSessionID,
				FailureReason: row.FailureReason,
				CreatedAt:     row.CreatedAt,
			})
		}
		responses.WriteSuccess(w, map[string]any{"purchases": out})
	}
}

func newLedgerEntryResponse(entry *models.LedgerEntry) ledgerEntryResponse {
	resp := ledgerEntryResponse{
		ID:            entry.ID,
		Sequence:      entry.Sequence,
		Kind:          entry.Kind,
		Amount:        entry.Amount.String(),
		SignedAmount:  entry.SignedEffect().String(),
		BalanceAfter:  entry.BalanceAfter.String(),
		ReferenceType: entry.ReferenceType,
		ReferenceID:   entry.ReferenceID,
		CreatedAt:     entry.CreatedAt,
	}
	if len(entry.Metadata) > 0 && json.Valid(entry.Metadata) {
		resp.Metadata = json.RawMessage(entry.Metadata)
	}
	return resp
}

func userIDParam(r *http.Request) (string, error) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "user id is required").
			WithDetails(map[string]string{"userId": "is required"})
	}
	return userID, nil
}
