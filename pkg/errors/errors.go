package errors

import (
	stdErrors "errors"
	"net/http"
)

// Code is the stable, client-facing identifier of an error class.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	CodeInvalidModel           Code = "INVALID_MODEL"
	CodeInsufficientCredits    Code = "INSUFFICIENT_CREDITS"
	CodeDuplicateRequest       Code = "DUPLICATE_REQUEST"
	CodeAmountOverflow         Code = "AMOUNT_OVERFLOW"
	CodeReconciliationMismatch Code = "RECONCILIATION_MISMATCH"
	CodeLockTimeout            Code = "LOCK_TIMEOUT"
)

// Metadata drives how a code is rendered over HTTP. Details reach the
// client only when DetailsAllowed is set.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true},
	CodeUnauthorized:  {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
	CodeForbidden:     {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	CodeNotFound:      {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
	CodeConflict:      {HTTPStatus: http.StatusConflict, PublicMessage: "conflict detected"},
	CodeStateConflict: {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "state transition disallowed", DetailsAllowed: true},
	CodeIdempotency:   {HTTPStatus: http.StatusConflict, PublicMessage: "idempotency key reused", DetailsAllowed: true},
	CodeRateLimit:     {HTTPStatus: http.StatusTooManyRequests, PublicMessage: "rate limit exceeded"},
	CodeInternal:      {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal server error"},
	CodeDependency:    {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "dependency unavailable", DetailsAllowed: true},

	CodeInvalidModel:           {HTTPStatus: http.StatusBadRequest, PublicMessage: "model is not priced by the active rate card", DetailsAllowed: true},
	CodeInsufficientCredits:    {HTTPStatus: http.StatusPaymentRequired, PublicMessage: "insufficient credits", DetailsAllowed: true},
	CodeDuplicateRequest:       {HTTPStatus: http.StatusConflict, PublicMessage: "request already processed", DetailsAllowed: true},
	CodeAmountOverflow:         {HTTPStatus: http.StatusInternalServerError, PublicMessage: "amount exceeds supported magnitude"},
	CodeReconciliationMismatch: {HTTPStatus: http.StatusInternalServerError, PublicMessage: "ledger and balance disagree", DetailsAllowed: true},
	CodeLockTimeout:            {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "account busy, retry later"},
}

// MetadataFor returns the rendering rules of code. Unknown codes render as
// CodeInternal.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded error with an internal message, optional client details
// and an optional cause.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err. A nil err behaves like New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails sets the client-facing details and returns e for chaining.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

// Error renders "CODE: message" followed by the cause, if any.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	text := string(e.code) + ": " + e.message
	if e.cause != nil {
		text += ": " + e.cause.Error()
	}
	return text
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsRetryable reports whether a client may retry the failed call unchanged.
// Errors without a code are treated as internal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(As(err).Code()).Retryable
}
