package stripewebhook

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/creditledger-backend/internal/purchases"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

type purchaseService interface {
	Catalog() *purchases.Catalog
	FulfillPurchase(ctx context.Context, input purchases.FulfillInput) (*purchases.AdjustmentResult, error)
	MarkFailed(ctx context.Context, input purchases.MarkFailedInput) (*models.Purchase, error)
}

type ServiceParams struct {
	Purchases purchaseService
	Logger    *logger.Logger
}

// Service turns Stripe checkout events into purchase state changes. The
// ledger reference on the session id is what makes redelivery safe.
type Service struct {
	purchases purchaseService
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Purchases == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchase service required")
	}
	return &Service{purchases: params.Purchases, logg: params.Logger}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		session, err := decodeSession(event)
		if err != nil {
			return err
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			s.logEvent(ctx, event, session, "checkout session not paid yet")
			return nil
		}
		input, err := s.fulfillInput(session)
		if err != nil {
			return err
		}
		result, err := s.purchases.FulfillPurchase(ctx, input)
		if err != nil {
			return err
		}
		if result.Replayed {
			s.logEvent(ctx, event, session, "checkout session already credited")
		}
		return nil
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
		session, err := decodeSession(event)
		if err != nil {
			return err
		}
		reason := "payment_failed"
		if event.Type == stripe.EventTypeCheckoutSessionExpired {
			reason = "session_expired"
		}
		_, err = s.purchases.MarkFailed(ctx, purchases.MarkFailedInput{
			ProviderSessionID: session.ID,
			UserID:            sessionUserID(session),
			PackageCode:       session.Metadata[purchases.MetadataPackageCode],
			Reason:            reason,
		})
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			// nothing to fail: the session never reached our checkout flow
			s.logEvent(ctx, event, session, "failed session has no purchase record")
			return nil
		}
		return err
	default:
		return nil
	}
}

func (s *Service) fulfillInput(session *stripe.CheckoutSession) (purchases.FulfillInput, error) {
	userID := sessionUserID(session)
	if userID == "" {
		return purchases.FulfillInput{}, pkgerrors.New(pkgerrors.CodeValidation, "checkout session has no user reference").
			WithDetails(map[string]string{"sessionId": session.ID})
	}

	code := strings.TrimSpace(session.Metadata[purchases.MetadataPackageCode])
	if code == "" {
		pkg, ok := s.purchases.Catalog().MatchPrice(session.AmountTotal)
		if !ok {
			return purchases.FulfillInput{}, pkgerrors.New(pkgerrors.CodeValidation, "checkout session has no package").
				WithDetails(map[string]any{"sessionId": session.ID, "amountTotal": session.AmountTotal})
		}
		code = pkg.Code
	}

	var credited int64
	if raw := strings.TrimSpace(session.Metadata[purchases.MetadataCredits]); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return purchases.FulfillInput{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid credits metadata").
				WithDetails(map[string]string{"credits": raw})
		}
		credited = parsed
	}

	input := purchases.FulfillInput{
		ProviderSessionID: session.ID,
		UserID:            userID,
		PackageCode:       code,
		TotalCredits:      credited,
		AmountCents:       session.AmountTotal,
	}
	if session.PaymentIntent != nil {
		input.PaymentIntentID = session.PaymentIntent.ID
	}
	return input, nil
}

func decodeSession(event *stripe.Event) (*stripe.CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
	}
	if session.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session id missing")
	}
	return &session, nil
}

func sessionUserID(session *stripe.CheckoutSession) string {
	if id := strings.TrimSpace(session.ClientReferenceID); id != "" {
		return id
	}
	return strings.TrimSpace(session.Metadata[purchases.MetadataUserID])
}

func (s *Service) logEvent(ctx context.Context, event *stripe.Event, session *stripe.CheckoutSession, msg string) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"stripe_event_id":   event.ID,
		"stripe_event_type": string(event.Type),
		"session_id":        session.ID,
		"payment_status":    string(session.PaymentStatus),
	})
	s.logg.Info(logCtx, msg)
}
