// Package usage debits credits for metered model usage. Each request moves
// through received, cost computed and debited, where the debit outcome is
// success, insufficient funds or a replay of an earlier request.
package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/accountlock"
	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const (
	metaModel           = "model"
	metaInputTokens     = "input_tokens"
	metaOutputTokens    = "output_tokens"
	metaRateCardVersion = "rate_card_version"
	metaRoundingMode    = "rounding_mode"
	metaRawCost         = "raw_cost"
	metaMarkedUpCost    = "marked_up_cost"
	metaOccurredAt      = "occurred_at"
	metaRequestHash     = "request_hash"
)

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

type usageMetrics interface {
	ObserveUsage(status string)
	AddDebited(amount float64)
}

// Request is one usage reconciliation. OccurredAt selects the rate card and
// defaults to the time the request is received.
type Request struct {
	UserID         string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	IdempotencyKey string
	OccurredAt     time.Time
}

// Result is the outcome of BillUsage. Replays return the original amounts.
type Result struct {
	Status          enums.UsageStatus
	Replayed        bool
	EntryID         uuid.UUID
	Sequence        int64
	DebitAmount     decimal.Decimal
	NewBalance      decimal.Decimal
	RateCardVersion string
	Model           string

	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

// InsufficientDetails is the structured payload of a declined debit.
type InsufficientDetails struct {
	Required  string `json:"required"`
	Available string `json:"available"`
	Shortfall string `json:"shortfall"`
}

// Err converts a declined result into an INSUFFICIENT_CREDITS error for
// transports. It returns nil for successful and replayed results.
func (r *Result) Err() error {
	if r == nil || r.Status != enums.UsageStatusInsufficientFunds {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeInsufficientCredits, "insufficient credits for usage").
		WithDetails(InsufficientDetails{
			Required:  r.Required.String(),
			Available: r.Available.String(),
			Shortfall: r.Shortfall.String(),
		})
}

// Service bills usage against the ledger.
type Service struct {
	tx      txRunner
	ledger  ledgerWriter
	rates   ratecard.Provider
	locker  accountLocker
	calc    credits.Calculator
	metrics usageMetrics
	logg    *logger.Logger
	now     func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	Tx      txRunner
	Ledger  ledgerWriter
	Rates   ratecard.Provider
	Locker  accountLocker
	Calc    credits.Calculator
	Metrics usageMetrics
	Logger  *logger.Logger
}

// NewService wires the usage billing service.
func NewService(deps Deps) (*Service, error) {
	if deps.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if deps.Rates == nil {
		return nil, fmt.Errorf("rate card provider required")
	}
	if deps.Locker == nil {
		return nil, fmt.Errorf("account locker required")
	}
	return &Service{
		tx:      deps.Tx,
		ledger:  deps.Ledger,
		rates:   deps.Rates,
		locker:  deps.Locker,
		calc:    deps.Calc,
		metrics: deps.Metrics,
		logg:    deps.Logger,
		now:     time.Now,
	}, nil
}

var errDeclined = errors.New("usage: debit declined")

// BillUsage prices a usage event with the rate card effective when it
// occurred and debits it exactly once per idempotency key.
func (s *Service) BillUsage(ctx context.Context, req Request) (*Result, error) {
	req, err := s.normalise(req)
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"user_id":         req.UserID,
			"idempotency_key": req.IdempotencyKey,
			"model":           req.Model,
		})
	}

	fingerprint := requestHash(req)
	if result, found, err := s.replayStored(ctx, req, fingerprint); found || err != nil {
		return result, err
	}

	card, err := s.rates.EffectiveAt(ctx, req.OccurredAt)
	if err != nil {
		if errors.Is(err, ratecard.ErrNoActiveCard) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "no rate card effective for usage time")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve rate card")
	}
	quote, err := card.Quote(s.calc, req.Model, req.InputTokens, req.OutputTokens)
	if err != nil {
		return nil, s.quoteError(ctx, req, err)
	}

	release, err := s.locker.Acquire(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, accountlock.ErrTimeout) {
			s.observe("lock_timeout")
			return nil, pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "account lock not acquired in time")
		}
		return nil, err
	}
	defer release()

	// Once the transaction starts it runs to completion so a caller timeout
	// can never leave the charge in an unknown state.
	txCtx := context.WithoutCancel(ctx)
	var result *Result
	err = s.tx.WithTx(txCtx, func(tx *gorm.DB) error {
		existing, err := s.ledger.FindByReference(txCtx, tx, req.UserID, enums.ReferenceUsage, req.IdempotencyKey)
		if err == nil {
			result, err = replay(existing, fingerprint)
			return err
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if quote.Charged.IsZero() {
			result = &Result{
				Status:          enums.UsageStatusSuccess,
				DebitAmount:     decimal.Zero,
				RateCardVersion: quote.Version,
				Model:           quote.Model,
			}
			return nil
		}

		entry, err := s.ledger.Post(txCtx, tx, ledger.PostInput{
			UserID:        req.UserID,
			Kind:          enums.LedgerEntryDebit,
			Amount:        quote.Charged,
			ReferenceType: enums.ReferenceUsage,
			ReferenceID:   req.IdempotencyKey,
			Actor:         req.UserID,
			Metadata: map[string]any{
				metaModel:           quote.Model,
				metaInputTokens:     quote.InputTokens,
				metaOutputTokens:    quote.OutputTokens,
				metaRateCardVersion: quote.Version,
				metaRoundingMode:    string(quote.RoundingMode),
				metaRawCost:         quote.Raw.String(),
				metaMarkedUpCost:    quote.MarkedUp.String(),
				metaOccurredAt:      req.OccurredAt.UTC().Format(time.RFC3339Nano),
				metaRequestHash:     fingerprint,
			},
		})
		var insufficient *balances.InsufficientFundsError
		if errors.As(err, &insufficient) {
			result = &Result{
				Status:          enums.UsageStatusInsufficientFunds,
				DebitAmount:     decimal.Zero,
				NewBalance:      insufficient.Available,
				RateCardVersion: quote.Version,
				Model:           quote.Model,
				Required:        insufficient.Required,
				Available:       insufficient.Available,
				Shortfall:       insufficient.Shortfall(),
			}
			return errDeclined
		}
		if err != nil {
			return err
		}
		result = fromEntry(entry, enums.UsageStatusSuccess, false)
		result.RateCardVersion = quote.Version
		result.Model = quote.Model
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, errDeclined):
		s.observe(string(result.Status))
		if s.logg != nil {
			s.logg.Info(ctx, "usage debit declined for insufficient credits")
		}
		return result, nil
	case errors.Is(err, ledger.ErrDuplicateReference):
		return s.replayAfterRace(txCtx, req.UserID, req.IdempotencyKey, fingerprint)
	case errors.Is(err, credits.ErrOverflow):
		if s.logg != nil {
			s.logg.Critical(ctx, "balance overflow while debiting usage", err)
		}
		s.observe("overflow")
		return nil, pkgerrors.Wrap(pkgerrors.CodeAmountOverflow, err, "balance exceeds magnitude ceiling")
	default:
		var typed *pkgerrors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "bill usage")
	}

	s.observe(string(result.Status))
	if result.Status == enums.UsageStatusSuccess && !result.Replayed && s.metrics != nil {
		s.metrics.AddDebited(result.DebitAmount.InexactFloat64())
	}
	return result, nil
}

// replayStored answers a key that already has a debit without pricing it
// again, so a retry still replays after its model leaves the rate card. The
// lookup inside the transaction covers keys committed after this read.
func (s *Service) replayStored(ctx context.Context, req Request, fingerprint string) (*Result, bool, error) {
	existing, err := s.ledger.FindByReference(ctx, nil, req.UserID, enums.ReferenceUsage, req.IdempotencyKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up usage key")
	}
	result, err := replay(existing, fingerprint)
	if err != nil {
		return nil, false, err
	}
	s.observe(string(result.Status))
	return result, true, nil
}

// replayAfterRace handles a writer in another process that committed the
// same key between our lookup and our insert.
func (s *Service) replayAfterRace(ctx context.Context, userID, key, fingerprint string) (*Result, error) {
	existing, err := s.ledger.FindByReference(ctx, nil, userID, enums.ReferenceUsage, key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "concurrent ledger write, retry")
	}
	result, err := replay(existing, fingerprint)
	if err != nil {
		return nil, err
	}
	s.observe(string(result.Status))
	return result, nil
}

func (s *Service) normalise(req Request) (Request, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Model = ratecard.NormaliseModelKey(req.Model)

	details := map[string]string{}
	if req.UserID == "" {
		details["userId"] = "is required"
	}
	if req.IdempotencyKey == "" {
		details["idempotencyKey"] = "is required"
	}
	if req.Model == "" {
		details["model"] = "is required"
	}
	if req.InputTokens < 0 {
		details["inputTokens"] = "must be non-negative"
	}
	if req.OutputTokens < 0 {
		details["outputTokens"] = "must be non-negative"
	}
	if len(details) > 0 {
		return req, pkgerrors.New(pkgerrors.CodeValidation, "invalid usage request").WithDetails(details)
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = s.now()
	}
	req.OccurredAt = req.OccurredAt.UTC()
	return req, nil
}

func (s *Service) quoteError(ctx context.Context, req Request, err error) error {
	switch {
	case errors.Is(err, ratecard.ErrUnknownModel):
		s.observe("invalid_model")
		return pkgerrors.Wrap(pkgerrors.CodeInvalidModel, err, "unknown model").
			WithDetails(map[string]string{"model": req.Model})
	case errors.Is(err, credits.ErrOverflow):
		if s.logg != nil {
			s.logg.Critical(ctx, "usage cost exceeds magnitude ceiling", err)
		}
		s.observe("overflow")
		return pkgerrors.Wrap(pkgerrors.CodeAmountOverflow, err, "usage cost exceeds magnitude ceiling")
	case errors.Is(err, ratecard.ErrNegativeTokens):
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "token counts must be non-negative")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "price usage")
	}
}

func (s *Service) observe(status string) {
	if s.metrics != nil {
		s.metrics.ObserveUsage(status)
	}
}

func replay(entry *models.LedgerEntry, fingerprint string) (*Result, error) {
	meta, err := ledger.DecodeMetadata(entry)
	if err != nil {
		return nil, err
	}
	if stored, ok := meta[metaRequestHash].(string); ok && stored != fingerprint {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different usage payload").
			WithDetails(map[string]string{"idempotencyKey": entry.ReferenceID})
	}
	result := fromEntry(entry, enums.UsageStatusDuplicate, true)
	if version, ok := meta[metaRateCardVersion].(string); ok {
		result.RateCardVersion = version
	}
	if model, ok := meta[metaModel].(string); ok {
		result.Model = model
	}
	return result, nil
}

func fromEntry(entry *models.LedgerEntry, status enums.UsageStatus, replayed bool) *Result {
	return &Result{
		Status:      status,
		Replayed:    replayed,
		EntryID:     entry.ID,
		Sequence:    entry.Sequence,
		DebitAmount: entry.Amount,
		NewBalance:  entry.BalanceAfter,
	}
}

// requestHash fingerprints the billable fields of a request so a reused key
// with a different payload is detected on replay.
func requestHash(req Request) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", req.UserID, req.Model, req.InputTokens, req.OutputTokens)))
	return hex.EncodeToString(sum[:])
}
