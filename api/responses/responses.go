package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/types"
)

// lockRetryAfterSeconds is sent with LOCK_TIMEOUT so clients back off
// before retrying with the same idempotency key.
const lockRetryAfterSeconds = "1"

// callerFacing lists the codes whose own message is safe to return instead
// of the generic public message.
var callerFacing = map[pkgerrors.Code]bool{
	pkgerrors.CodeValidation:    true,
	pkgerrors.CodeForbidden:     true,
	pkgerrors.CodeUnauthorized:  true,
	pkgerrors.CodeNotFound:      true,
	pkgerrors.CodeConflict:      true,
	pkgerrors.CodeStateConflict: true,
	pkgerrors.CodeIdempotency:   true,
	pkgerrors.CodeRateLimit:     true,
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, types.SuccessEnvelope{Data: data})
}

// WriteError renders err as the error envelope. Untyped errors become
// INTERNAL_ERROR and never leak their text.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	meta := pkgerrors.MetadataFor(typed.Code())

	apiErr := types.APIError{
		Code:      string(typed.Code()),
		Message:   meta.PublicMessage,
		Retryable: meta.Retryable,
		RequestID: w.Header().Get(types.RequestIDHeader),
	}
	if callerFacing[typed.Code()] && typed.Message() != "" {
		apiErr.Message = typed.Message()
	}
	if meta.DetailsAllowed {
		apiErr.Details = typed.Details()
	}
	if typed.Code() == pkgerrors.CodeLockTimeout {
		w.Header().Set("Retry-After", lockRetryAfterSeconds)
	}

	if logg != nil {
		logFailure(ctx, logg, err, meta, apiErr.Details)
	}
	writeJSON(w, meta.HTTPStatus, types.ErrorEnvelope{Error: apiErr})
}

// logFailure logs 5xx responses as errors and client rejections as warnings.
func logFailure(ctx context.Context, logg *logger.Logger, err error, meta pkgerrors.Metadata, details any) {
	fields := pkgerrors.LogFields(err)
	fields["http_status"] = meta.HTTPStatus
	if details != nil {
		fields["error_details"] = details
	}

	ctx = logg.WithFields(ctx, fields)
	if meta.HTTPStatus >= http.StatusInternalServerError {
		logg.Error(ctx, "request.error", err)
		return
	}
	logg.Warn(ctx, "request.rejected")
}

// writeJSON ignores encode failures; the status line is already sent.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
