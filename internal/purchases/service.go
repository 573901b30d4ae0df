package purchases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/accountlock"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	dbpkg "github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
)

const defaultListLimit = 50

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ledgerWriter interface {
	Post(ctx context.Context, tx *gorm.DB, input ledger.PostInput) (*models.LedgerEntry, error)
	FindByReference(ctx context.Context, tx *gorm.DB, userID string, refType enums.ReferenceType, refID string) (*models.LedgerEntry, error)
}

type accountLocker interface {
	Acquire(ctx context.Context, userID string) (func(), error)
}

// outboxPublisher queues at most one terminal event per purchase.
type outboxPublisher interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type creditMetrics interface {
	AddCredited(source string, amount float64)
}

// FulfillInput is a confirmed payment for a package.
type FulfillInput struct {
	ProviderSessionID string
	UserID            string
	PackageCode       string
	TotalCredits      int64
	AmountCents       int64
	PaymentIntentID   string
}

// AdjustmentResult is returned for first deliveries and replays alike.
type AdjustmentResult struct {
	PurchaseID uuid.UUID
	EntryID    uuid.UUID
	Credited   decimal.Decimal
	NewBalance decimal.Decimal
	Status     enums.PurchaseStatus
	Replayed   bool
}

// CheckoutInput starts a payment for a package.
type CheckoutInput struct {
	UserID      string
	PackageCode string
}

// CheckoutResult points the buyer at the hosted payment page.
type CheckoutResult struct {
	Purchase *models.Purchase
	URL      string
}

// ServiceParams groups the collaborators of Service.
type ServiceParams struct {
	Repo       Repository
	Ledger     ledgerWriter
	Tx         txRunner
	Locker     accountLocker
	Outbox     outboxPublisher
	Catalog    *Catalog
	Checkout   CheckoutSessionClient
	SuccessURL string
	CancelURL  string
	Metrics    creditMetrics
	Logger     *logger.Logger
}

// Service records purchases and credits fulfilled payments exactly once.
type Service struct {
	repo       Repository
	ledger     ledgerWriter
	tx         txRunner
	locker     accountLocker
	outbox     outboxPublisher
	catalog    *Catalog
	checkout   CheckoutSessionClient
	successURL string
	cancelURL  string
	metrics    creditMetrics
	logg       *logger.Logger
}

// NewService wires the purchase service. Checkout is optional; without it
// CreateCheckout is unavailable.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("purchase repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("account locker required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	catalog := params.Catalog
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Service{
		repo:       params.Repo,
		ledger:     params.Ledger,
		tx:         params.Tx,
		locker:     params.Locker,
		outbox:     params.Outbox,
		catalog:    catalog,
		checkout:   params.Checkout,
		successURL: params.SuccessURL,
		cancelURL:  params.CancelURL,
		metrics:    params.Metrics,
		logg:       params.Logger,
	}, nil
}

// Catalog exposes the package list.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// CreatePending records a checkout session before payment completes.
func (s *Service) CreatePending(ctx context.Context, userID, packageCode, sessionID string) (*models.Purchase, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id and session id are required")
	}
	pkg, ok := s.catalog.Lookup(packageCode)
	if !ok {
		return nil, unknownPackage(packageCode)
	}

	purchase := newPurchase(userID, pkg, sessionID, pkg.PriceUSDCents)
	if err := s.repo.Create(ctx, purchase); err != nil {
		if !dbpkg.IsUniqueViolation(err, "ux_purchases_provider_session") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create purchase")
		}
		existing, findErr := s.repo.FindBySession(ctx, sessionID)
		if findErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "load purchase")
		}
		if existing.UserID != userID {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "session belongs to another user")
		}
		return existing, nil
	}
	return purchase, nil
}

// CreateCheckout opens a Stripe checkout session and records it as pending.
func (s *Service) CreateCheckout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	if s.checkout == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "checkout provider not configured")
	}
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	pkg, ok := s.catalog.Lookup(input.PackageCode)
	if !ok {
		return nil, unknownPackage(input.PackageCode)
	}

	params := CheckoutSessionParams(userID, pkg, s.successURL, s.cancelURL, "")
	sess, err := s.checkout.Create(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create checkout session")
	}
	purchase, err := s.CreatePending(ctx, userID, pkg.Code, sess.ID)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Purchase: purchase, URL: sess.URL}, nil
}

// FulfillPurchase credits a confirmed payment. A second delivery for the
// same session returns the original result without crediting again. The
// purchase only becomes succeeded in the transaction that writes its entry.
func (s *Service) FulfillPurchase(ctx context.Context, input FulfillInput) (*AdjustmentResult, error) {
	input, pkg, err := s.validateFulfill(input)
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"user_id":             input.UserID,
			"provider_session_id": input.ProviderSessionID,
			"package_code":        pkg.Code,
		})
	}

	release, err := s.locker.Acquire(ctx, input.UserID)
	if err != nil {
		if errors.Is(err, accountlock.ErrTimeout) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "account lock not acquired in time")
		}
		return nil, err
	}
	defer release()

	txCtx := context.WithoutCancel(ctx)
	var result *AdjustmentResult
	err = s.tx.WithTx(txCtx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		purchase, err := repo.FindBySessionForUpdate(txCtx, input.ProviderSessionID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			purchase = newPurchase(input.UserID, pkg, input.ProviderSessionID, input.AmountCents)
			if err := repo.Create(txCtx, purchase); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if purchase.UserID != input.UserID {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment user does not match purchase").
				WithDetails(map[string]string{"providerSessionId": input.ProviderSessionID})
		}
		if purchase.TotalCredits != input.TotalCredits {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment credits do not match purchase").
				WithDetails(map[string]any{"expected": purchase.TotalCredits, "received": input.TotalCredits})
		}

		existing, err := s.ledger.FindByReference(txCtx, tx, input.UserID, enums.ReferenceStripe, input.ProviderSessionID)
		if err == nil {
			result = resultFrom(purchase.ID, existing, true)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		entry, err := s.ledger.Post(txCtx, tx, ledger.PostInput{
			UserID:        input.UserID,
			Kind:          enums.LedgerEntryCredit,
			Amount:        credits.FromInt(purchase.TotalCredits),
			ReferenceType: enums.ReferenceStripe,
			ReferenceID:   input.ProviderSessionID,
			Actor:         "stripe",
			Metadata: map[string]any{
				"purchase_id":     purchase.ID.String(),
				"package_code":    purchase.PackageCode,
				"price_usd_cents": purchase.PriceUSDCents,
				"base_credits":    purchase.BaseCredits,
				"bonus_credits":   purchase.BonusCredits,
			},
		})
		if err != nil {
			return err
		}

		var intent *string
		if input.PaymentIntentID != "" {
			intent = &input.PaymentIntentID
		}
		if err := repo.MarkSucceeded(txCtx, purchase.ID, entry.ID, intent); err != nil {
			return err
		}
		if err := s.outbox.EmitIfNotExists(txCtx, tx, outbox.DomainEvent{
			EventType:     enums.EventPurchaseSucceeded,
			AggregateType: enums.AggregatePurchase,
			AggregateID:   purchase.ID,
			Actor:         &outbox.ActorRef{UserID: input.UserID, Actor: "stripe"},
			Data: payloads.PurchaseSucceededEvent{
				PurchaseID:        purchase.ID,
				UserID:            purchase.UserID,
				PackageCode:       purchase.PackageCode,
				TotalCredits:      purchase.TotalCredits,
				PriceUSDCents:     purchase.PriceUSDCents,
				ProviderSessionID: purchase.ProviderSessionID,
				LedgerEntryID:     entry.ID,
			},
		}); err != nil {
			return err
		}
		result = resultFrom(purchase.ID, entry, false)
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateReference):
		return s.replayAfterRace(txCtx, input)
	case errors.Is(err, credits.ErrOverflow):
		if s.logg != nil {
			s.logg.Critical(ctx, "balance overflow while crediting purchase", err)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeAmountOverflow, err, "balance exceeds magnitude ceiling")
	default:
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fulfill purchase")
	}

	if !result.Replayed {
		if s.metrics != nil {
			s.metrics.AddCredited("purchase", result.Credited.InexactFloat64())
		}
		if s.logg != nil {
			s.logg.Info(ctx, "purchase fulfilled")
		}
	}
	return result, nil
}

func (s *Service) replayAfterRace(ctx context.Context, input FulfillInput) (*AdjustmentResult, error) {
	entry, err := s.ledger.FindByReference(ctx, nil, input.UserID, enums.ReferenceStripe, input.ProviderSessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "concurrent ledger write, retry")
	}
	purchase, err := s.repo.FindBySession(ctx, input.ProviderSessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase")
	}
	return resultFrom(purchase.ID, entry, true), nil
}

// MarkFailedInput records an abandoned or declined payment.
type MarkFailedInput struct {
	ProviderSessionID string
	UserID            string
	PackageCode       string
	Reason            string
}

// MarkFailed flags a pending purchase as failed. Succeeded purchases are
// left untouched, and unknown sessions are recorded when the user and
// package are known.
func (s *Service) MarkFailed(ctx context.Context, input MarkFailedInput) (*models.Purchase, error) {
	sessionID := strings.TrimSpace(input.ProviderSessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "payment_failed"
	}

	var out *models.Purchase
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		purchase, err := repo.FindBySessionForUpdate(ctx, sessionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pkg, ok := s.catalog.Lookup(input.PackageCode)
			if !ok || strings.TrimSpace(input.UserID) == "" {
				return pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found")
			}
			purchase = newPurchase(strings.TrimSpace(input.UserID), pkg, sessionID, pkg.PriceUSDCents)
			if err := repo.Create(ctx, purchase); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if purchase.Status != enums.PurchaseStatusPending {
			out = purchase
			return nil
		}
		if err := repo.MarkFailed(ctx, purchase.ID, reason); err != nil {
			return err
		}
		purchase.Status = enums.PurchaseStatusFailed
		purchase.FailureReason = &reason
		out = purchase

		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPurchaseFailed,
			AggregateType: enums.AggregatePurchase,
			AggregateID:   purchase.ID,
			Actor:         &outbox.ActorRef{UserID: purchase.UserID, Actor: "stripe"},
			Data: payloads.PurchaseFailedEvent{
				PurchaseID:        purchase.ID,
				UserID:            purchase.UserID,
				ProviderSessionID: purchase.ProviderSessionID,
				Reason:            reason,
			},
		})
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark purchase failed")
	}
	return out, nil
}

// ListByUser returns the user's most recent purchases.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]models.Purchase, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	purchases, err := s.repo.ListByUser(ctx, userID, defaultListLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list purchases")
	}
	return purchases, nil
}

func (s *Service) validateFulfill(input FulfillInput) (FulfillInput, Package, error) {
	input.ProviderSessionID = strings.TrimSpace(input.ProviderSessionID)
	input.UserID = strings.TrimSpace(input.UserID)
	if input.ProviderSessionID == "" || input.UserID == "" {
		return input, Package{}, pkgerrors.New(pkgerrors.CodeValidation, "session id and user id are required")
	}
	pkg, ok := s.catalog.Lookup(input.PackageCode)
	if !ok {
		return input, Package{}, unknownPackage(input.PackageCode)
	}
	if input.TotalCredits == 0 {
		input.TotalCredits = pkg.TotalCredits()
	}
	if input.TotalCredits != pkg.TotalCredits() {
		return input, Package{}, pkgerrors.New(pkgerrors.CodeValidation, "credits do not match package").
			WithDetails(map[string]any{"expected": pkg.TotalCredits(), "received": input.TotalCredits})
	}
	if input.AmountCents <= 0 {
		input.AmountCents = pkg.PriceUSDCents
	}
	return input, pkg, nil
}

func newPurchase(userID string, pkg Package, sessionID string, amountCents int64) *models.Purchase {
	return &models.Purchase{
		ID:                uuid.New(),
		UserID:            userID,
		PackageCode:       pkg.Code,
		PriceUSDCents:     amountCents,
		BaseCredits:       pkg.BaseCredits,
		BonusCredits:      pkg.BonusCredits,
		TotalCredits:      pkg.TotalCredits(),
		Status:            enums.PurchaseStatusPending,
		ProviderSessionID: sessionID,
	}
}

func resultFrom(purchaseID uuid.UUID, entry *models.LedgerEntry, replayed bool) *AdjustmentResult {
	return &AdjustmentResult{
		PurchaseID: purchaseID,
		EntryID:    entry.ID,
		Credited:   entry.Amount,
		NewBalance: entry.BalanceAfter,
		Status:     enums.PurchaseStatusSucceeded,
		Replayed:   replayed,
	}
}

func unknownPackage(code string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, "unknown package").
		WithDetails(map[string]string{"packageCode": code})
}
