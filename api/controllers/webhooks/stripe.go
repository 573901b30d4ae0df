package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	pkgstripe "github.com/angelmondragon/creditledger-backend/pkg/stripe"
)

const (
	signatureHeader = "Stripe-Signature"
	maxPayloadBytes = 64 << 10
)

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type stripeWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type eventVerifier interface {
	VerifyEvent(payload []byte, header string) (stripe.Event, error)
}

// StripeWebhook verifies and dispatches Stripe checkout events. Each event id
// is marked before dispatch. The mark is cleared only when the failure is
// retryable, so Stripe's redelivery of a permanently bad event is
// acknowledged without running it again.
func StripeWebhook(svc StripeWebhookService, verifier eventVerifier, guard stripeWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil || verifier == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe webhook not configured"))
			return
		}

		event, err := readEvent(r, verifier)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"event_id": event.ID, "event_type": string(event.Type)})
		}

		seen, err := guard.CheckAndMark(ctx, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check webhook redelivery"))
			return
		}
		if seen {
			logInfo(ctx, logg, "stripe.webhook.duplicate")
			responses.WriteSuccess(w, nil)
			return
		}

		if err := svc.HandleEvent(ctx, &event); err != nil {
			if pkgerrors.IsRetryable(err) {
				if delErr := guard.Delete(ctx, event.ID); delErr != nil && logg != nil {
					logg.Error(ctx, "stripe.webhook.unmark_failed", delErr)
				}
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		logInfo(ctx, logg, "stripe.webhook.processed")
		responses.WriteSuccess(w, nil)
	}
}

// readEvent reads the bounded raw body and verifies its signature.
func readEvent(r *http.Request, verifier eventVerifier) (stripe.Event, error) {
	header := r.Header.Get(signatureHeader)
	if header == "" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing")
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body")
	}
	if len(payload) > maxPayloadBytes {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe payload too large")
	}

	event, err := verifier.VerifyEvent(payload, header)
	switch {
	case errors.Is(err, pkgstripe.ErrSignature):
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "verify signature")
	case err != nil:
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "verify signature")
	}
	return event, nil
}

func logInfo(ctx context.Context, logg *logger.Logger, msg string) {
	if logg != nil {
		logg.Info(ctx, msg)
	}
}
