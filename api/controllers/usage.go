package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	"github.com/angelmondragon/creditledger-backend/api/validators"
	"github.com/angelmondragon/creditledger-backend/internal/usage"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

type usageBiller interface {
	BillUsage(ctx context.Context, req usage.Request) (*usage.Result, error)
}

type usageRequest struct {
	UserID         string     `json:"userId" validate:"required,max=128"`
	Model          string     `json:"model" validate:"required,notblank,max=128"`
	InputTokens    int64      `json:"inputTokens" validate:"min=0"`
	OutputTokens   int64      `json:"outputTokens" validate:"min=0"`
	IdempotencyKey string     `json:"idempotencyKey" validate:"omitempty,max=255"`
	OccurredAt     *time.Time `json:"occurredAt,omitempty"`
}

type usageResponse struct {
	Status          enums.UsageStatus `json:"status"`
	Replayed        bool              `json:"replayed"`
	EntryID         uuid.UUID         `json:"entryId"`
	Sequence        int64             `json:"sequence"`
	DebitAmount     string            `json:"debitAmount"`
	NewBalance      string            `json:"newBalance"`
	RateCardVersion string            `json:"rateCardVersion,omitempty"`
	Model           string            `json:"model,omitempty"`
}

// BillUsage debits a user for metered model usage. The idempotency key comes
// from the body or, failing that, the Idempotency-Key header. Replays answer
// 200 with the original amounts; declined debits answer 402.
func BillUsage(svc usageBiller, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "usage service unavailable"))
			return
		}

		var body usageRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		key := strings.TrimSpace(body.IdempotencyKey)
		if key == "" {
			key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		}
		if key == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key required").
				WithDetails(map[string]string{"idempotencyKey": "is required"}))
			return
		}

		req := usage.Request{
			UserID:         body.UserID,
			Model:          body.Model,
			InputTokens:    body.InputTokens,
			OutputTokens:   body.OutputTokens,
			IdempotencyKey: key,
		}
		if body.OccurredAt != nil {
			req.OccurredAt = *body.OccurredAt
		}

		result, err := svc.BillUsage(ctx, req)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if declined := result.Err(); declined != nil {
			responses.WriteError(ctx, nil, w, declined)
			return
		}

		responses.WriteSuccess(w, usageResponse{
			Status:          result.Status,
			Replayed:        result.Replayed,
			EntryID:         result.EntryID,
			Sequence:        result.Sequence,
			DebitAmount:     result.DebitAmount.String(),
			NewBalance:      result.NewBalance.String(),
			RateCardVersion: result.RateCardVersion,
			Model:           result.Model,
		})
	}
}
