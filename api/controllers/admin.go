package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/creditledger-backend/api/middleware"
	"github.com/angelmondragon/creditledger-backend/api/responses"
	"github.com/angelmondragon/creditledger-backend/api/validators"
	"github.com/angelmondragon/creditledger-backend/internal/adjustments"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const maxRateCardBody = 1 << 20

type ledgerCorrector interface {
	Adjust(ctx context.Context, input adjustments.AdjustInput) (*adjustments.Result, error)
	Reverse(ctx context.Context, input adjustments.ReverseInput) (*adjustments.Result, error)
}

type ledgerAuditor interface {
	ReconcileUser(ctx context.Context, userID string) (*reconciliation.UserReport, error)
	ReconcileAll(ctx context.Context) (*reconciliation.SystemReport, error)
}

type rateCardPublisher interface {
	Publish(ctx context.Context, card *ratecard.RateCard, publishedBy string) error
}

type adjustmentRequest struct {
	UserID      string `json:"userId" validate:"required,max=128"`
	Amount      string `json:"amount" validate:"required,credits,max=64"`
	Reason      string `json:"reason" validate:"required,notblank,max=500"`
	ReferenceID string `json:"referenceId" validate:"required,max=255"`
}

type reversalRequest struct {
	Reason string `json:"reason" validate:"required,notblank,max=500"`
}

type correctionResponse struct {
	EntryID    uuid.UUID             `json:"entryId"`
	UserID     string                `json:"userId"`
	Kind       enums.LedgerEntryKind `json:"kind"`
	Amount     string                `json:"amount"`
	NewBalance string                `json:"newBalance"`
	Replayed   bool                  `json:"replayed"`
}

type userReportResponse struct {
	UserID         string `json:"userId"`
	Consistent     bool   `json:"consistent"`
	LedgerSum      string `json:"ledgerSum"`
	CachedBalance  string `json:"cachedBalance"`
	Delta          string `json:"delta"`
	Entries        int64  `json:"entries"`
	LastSequence   int64  `json:"lastSequence"`
	BalanceVersion int64  `json:"balanceVersion"`
}

type systemReportResponse struct {
	Consistent   bool                 `json:"consistent"`
	LedgerTotal  string               `json:"ledgerTotal"`
	BalanceTotal string               `json:"balanceTotal"`
	Delta        string               `json:"delta"`
	UsersChecked int                  `json:"usersChecked"`
	Mismatches   []userReportResponse `json:"mismatches"`
	StartedAt    time.Time            `json:"startedAt"`
	FinishedAt   time.Time            `json:"finishedAt"`
}

// AdminAdjust posts a signed manual correction for one user.
func AdminAdjust(svc ledgerCorrector, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body adjustmentRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		amount, err := credits.Parse(body.Amount)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount").
				WithDetails(map[string]string{"amount": "must be a decimal string"}))
			return
		}

		result, err := svc.Adjust(r.Context(), adjustments.AdjustInput{
			UserID:      body.UserID,
			Amount:      amount,
			Reason:      body.Reason,
			ReferenceID: body.ReferenceID,
			Actor:       middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		writeCorrection(w, result)
	}
}

// AdminReverse posts the opposite of an existing entry.
func AdminReverse(svc ledgerCorrector, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "entryID")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid entry id").
				WithDetails(map[string]string{"entryId": "must be a uuid"}))
			return
		}
		var body reversalRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Reverse(r.Context(), adjustments.ReverseInput{
			EntryID: entryID,
			Reason:  body.Reason,
			Actor:   middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		writeCorrection(w, result)
	}
}

// AdminReconcileAll runs a full audit synchronously.
func AdminReconcileAll(auditor ledgerAuditor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := auditor.ReconcileAll(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reconciliation failed"))
			return
		}
		out := systemReportResponse{
			Consistent:   report.Consistent,
			LedgerTotal:  report.LedgerTotal.String(),
			BalanceTotal: report.BalanceTotal.String(),
			Delta:        report.Delta.String(),
			UsersChecked: report.UsersChecked,
			Mismatches:   make([]userReportResponse, 0, len(report.Mismatches)),
			StartedAt:    report.StartedAt,
			FinishedAt:   report.FinishedAt,
		}
		for i := range report.Mismatches {
			out.Mismatches = append(out.Mismatches, newUserReportResponse(&report.Mismatches[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func AdminReconcileUser(auditor ledgerAuditor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		report, err := auditor.ReconcileUser(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newUserReportResponse(report))
	}
}

// AdminPublishRateCard accepts a card as JSON, or as YAML when the request
// says application/yaml.
func AdminPublishRateCard(publisher rateCardPublisher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRateCardBody))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
			return
		}

		card, err := decodeRateCard(r.Header.Get("Content-Type"), raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid rate card").
				WithDetails(map[string]string{"rateCard": err.Error()}))
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		if err := publisher.Publish(r.Context(), card, actor); err != nil {
			if errors.Is(err, ratecard.ErrVersionExists) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "rate card version already published"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish rate card"))
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]any{
			"version":       card.Version,
			"effectiveFrom": card.EffectiveFrom,
			"models":        card.ModelKeys(),
		})
	}
}

func decodeRateCard(contentType string, raw []byte) (*ratecard.RateCard, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return ratecard.Parse(raw)
	}
	var card ratecard.RateCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, err
	}
	card.Normalise()
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return &card, nil
}

func writeCorrection(w http.ResponseWriter, result *adjustments.Result) {
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	responses.WriteSuccessStatus(w, status, correctionResponse{
		EntryID:    result.EntryID,
		UserID:     result.UserID,
		Kind:       result.Kind,
		Amount:     result.Amount.String(),
		NewBalance: result.NewBalance.String(),
		Replayed:   result.Replayed,
	})
}

func newUserReportResponse(report *reconciliation.UserReport) userReportResponse {
	return userReportResponse{
		UserID:         report.UserID,
		Consistent:     report.Consistent,
		LedgerSum:      report.LedgerSum.String(),
		CachedBalance:  report.CachedBalance.String(),
		Delta:          report.Delta.String(),
		Entries:        report.Entries,
		LastSequence:   report.LastSequence,
		BalanceVersion: report.BalanceVersion,
	}
}
