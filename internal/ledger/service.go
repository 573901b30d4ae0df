package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

type balanceApplier interface {
	ApplyDelta(ctx context.Context, tx *gorm.DB, userID string, delta decimal.Decimal, allowNegative bool) (*models.AccountBalance, error)
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service is the only writer of ledger entries. Every posted entry moves the
// cached balance in the same transaction.
type Service interface {
	Post(ctx context.Context, tx *gorm.DB, input PostInput) (*models.LedgerEntry, error)
	FindByReference(ctx context.Context, tx *gorm.DB, userID string, refType enums.ReferenceType, refID string) (*models.LedgerEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	List(ctx context.Context, userID string, params pagination.Params) (*Page, error)
}

// PostInput describes one entry. Amount is a positive magnitude for credit
// and debit entries and a signed effect for adjustments and reversals.
type PostInput struct {
	UserID        string
	Kind          enums.LedgerEntryKind
	Amount        decimal.Decimal
	ReferenceType enums.ReferenceType
	ReferenceID   string
	Metadata      map[string]any
	Actor         string
}

// Page is one page of a user's history, newest first.
type Page struct {
	Entries    []models.LedgerEntry
	NextCursor string
	HasMore    bool
}

type service struct {
	repo     Repository
	balances balanceApplier
	outbox   outboxPublisher
}

// NewService wires the ledger service.
func NewService(repo Repository, balances balanceApplier, publisher outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if balances == nil {
		return nil, fmt.Errorf("balance projector required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{repo: repo, balances: balances, outbox: publisher}, nil
}

func (s *service) Post(ctx context.Context, tx *gorm.DB, input PostInput) (*models.LedgerEntry, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	effect, err := validatePost(input)
	if err != nil {
		return nil, err
	}

	metadata, err := encodeMetadata(input.Metadata)
	if err != nil {
		return nil, err
	}

	balance, err := s.balances.ApplyDelta(ctx, tx, input.UserID, effect, false)
	if err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		UserID:        input.UserID,
		Sequence:      balance.Version,
		Kind:          input.Kind,
		Amount:        input.Amount,
		BalanceAfter:  balance.Balance,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.WithTx(tx).Append(ctx, entry); err != nil {
		return nil, err
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventLedgerEntryAppended,
		AggregateType: enums.AggregateLedgerEntry,
		AggregateID:   entry.ID,
		OccurredAt:    entry.CreatedAt,
		Actor:         &outbox.ActorRef{UserID: input.UserID, Actor: input.Actor},
		Data: payloads.LedgerEntryAppendedEvent{
			EntryID:       entry.ID,
			UserID:        entry.UserID,
			Sequence:      entry.Sequence,
			Kind:          string(entry.Kind),
			Amount:        entry.Amount.String(),
			BalanceAfter:  entry.BalanceAfter.String(),
			ReferenceType: string(entry.ReferenceType),
			ReferenceID:   entry.ReferenceID,
			Metadata:      json.RawMessage(entry.Metadata),
			CreatedAt:     entry.CreatedAt,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) FindByReference(ctx context.Context, tx *gorm.DB, userID string, refType enums.ReferenceType, refID string) (*models.LedgerEntry, error) {
	return s.repo.WithTx(tx).FindByReference(ctx, userID, refType, refID)
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("entry id is required")
	}
	return s.repo.FindByID(ctx, id)
}

func (s *service) List(ctx context.Context, userID string, params pagination.Params) (*Page, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListByUser(ctx, userID, cursor, params.FetchSize())
	if err != nil {
		return nil, err
	}

	page := &Page{}
	page.Entries, page.HasMore = pagination.Trim(entries, params.PageSize())
	if page.HasMore {
		last := page.Entries[len(page.Entries)-1]
		page.NextCursor = pagination.Cursor{Sequence: last.Sequence, ID: last.ID}.Encode()
	}
	return page, nil
}

func validatePost(input PostInput) (decimal.Decimal, error) {
	if input.UserID == "" {
		return decimal.Zero, errors.New("user id is required")
	}
	if !input.ReferenceType.IsValid() {
		return decimal.Zero, fmt.Errorf("invalid reference type %q", input.ReferenceType)
	}
	if input.ReferenceID == "" {
		return decimal.Zero, errors.New("reference id is required")
	}
	if !input.Amount.Equal(credits.RoundHalfUp(input.Amount, credits.StorageScale)) {
		return decimal.Zero, fmt.Errorf("amount %s exceeds %d decimal places", input.Amount.String(), credits.StorageScale)
	}

	switch input.Kind {
	case enums.LedgerEntryCredit:
		if !input.Amount.IsPositive() {
			return decimal.Zero, errors.New("credit amount must be positive")
		}
		return input.Amount, nil
	case enums.LedgerEntryDebit:
		if !input.Amount.IsPositive() {
			return decimal.Zero, errors.New("debit amount must be positive")
		}
		return input.Amount.Neg(), nil
	case enums.LedgerEntryAdjustment, enums.LedgerEntryReversal:
		if input.Amount.IsZero() {
			return decimal.Zero, errors.New("adjustment amount must be non-zero")
		}
		return input.Amount, nil
	default:
		return decimal.Zero, fmt.Errorf("invalid ledger entry kind %q", input.Kind)
	}
}

func encodeMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON("{}"), nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode ledger metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// DecodeMetadata unpacks an entry's metadata column.
func DecodeMetadata(entry *models.LedgerEntry) (map[string]any, error) {
	out := map[string]any{}
	if entry == nil || len(entry.Metadata) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(entry.Metadata, &out); err != nil {
		return nil, fmt.Errorf("decode ledger metadata: %w", err)
	}
	return out, nil
}
