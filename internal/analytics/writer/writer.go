package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cbigquery "cloud.google.com/go/bigquery"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	pkgbigquery "github.com/angelmondragon/creditledger-backend/pkg/bigquery"
)

const (
	defaultBatchSize      = 1
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaximumBackoff = 2 * time.Second
)

// Config names the export tables and tunes batching and retries.
type Config struct {
	LedgerEntriesTable  string
	PurchaseEventsTable string
	BatchSize           int
	RetryPolicy         RetryPolicy
}

// RetryPolicy bounds retries of transient insert failures with exponential
// backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaximumBackoff time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaximumBackoff <= 0 {
		p.MaximumBackoff = defaultMaximumBackoff
	}
	p.MaximumBackoff = max(p.MaximumBackoff, p.InitialBackoff)
	return p
}

var (
	ledgerSchema   = types.LedgerEntrySchema()
	purchaseSchema = types.PurchaseEventSchema()
)

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// pending holds rows waiting for one table's next insert.
type pending struct {
	table string
	rows  []any
}

// BigQueryWriter streams analytics rows into BigQuery. Each row carries its
// outbox event id as insert id so a redelivered event is deduplicated by
// BigQuery. Pub/Sub delivers concurrently, so buffers are guarded.
type BigQueryWriter struct {
	client    tableInserter
	batchSize int
	retry     RetryPolicy

	mu        sync.Mutex
	ledger    pending
	purchases pending
}

// New validates the table names and applies batching and retry defaults.
func New(client *pkgbigquery.Client, cfg Config) (*BigQueryWriter, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	ledgerTable := strings.TrimSpace(cfg.LedgerEntriesTable)
	if ledgerTable == "" {
		return nil, errors.New("ledger entries table is required")
	}
	purchaseTable := strings.TrimSpace(cfg.PurchaseEventsTable)
	if purchaseTable == "" {
		return nil, errors.New("purchase events table is required")
	}

	return &BigQueryWriter{
		client:    client,
		batchSize: max(cfg.BatchSize, defaultBatchSize),
		retry:     cfg.RetryPolicy.withDefaults(),
		ledger:    pending{table: ledgerTable},
		purchases: pending{table: purchaseTable},
	}, nil
}

// InsertLedgerEntry queues a ledger row and writes the batch once full.
func (w *BigQueryWriter) InsertLedgerEntry(ctx context.Context, row types.LedgerEntryRow) error {
	return w.add(ctx, &w.ledger, &cbigquery.StructSaver{Struct: &row, Schema: ledgerSchema, InsertID: row.EventID})
}

// InsertPurchaseEvent queues a purchase row and writes the batch once full.
func (w *BigQueryWriter) InsertPurchaseEvent(ctx context.Context, row types.PurchaseEventRow) error {
	return w.add(ctx, &w.purchases, &cbigquery.StructSaver{Struct: &row, Schema: purchaseSchema, InsertID: row.EventID})
}

func (w *BigQueryWriter) add(ctx context.Context, buf *pending, row any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf.rows = append(buf.rows, row)
	if len(buf.rows) < w.batchSize {
		return nil
	}
	return w.flush(ctx, buf)
}

// Flush writes whatever is buffered for both tables.
func (w *BigQueryWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.flush(ctx, &w.ledger), w.flush(ctx, &w.purchases))
}

// flush keeps the rows buffered when the insert fails so a later flush can
// retry them. Callers hold w.mu.
func (w *BigQueryWriter) flush(ctx context.Context, buf *pending) error {
	if len(buf.rows) == 0 {
		return nil
	}
	if err := w.insert(ctx, buf.table, buf.rows); err != nil {
		return err
	}
	buf.rows = nil
	return nil
}

func (w *BigQueryWriter) insert(ctx context.Context, table string, rows []any) error {
	backoff := w.retry.InitialBackoff
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.client.InsertRows(ctx, table, rows)
		if err == nil {
			return nil
		}
		if attempt >= w.retry.MaxAttempts || !isRetryableBigQueryError(err) {
			return fmt.Errorf("insert %d %s rows after %d attempt(s): %w", len(rows), table, attempt, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, w.retry.MaximumBackoff)
	}
}

// EncodeJSON renders a payload for a nullable JSON column. Nil and empty
// payloads become NULL.
func EncodeJSON(payload any) (cbigquery.NullJSON, error) {
	var raw []byte
	switch value := payload.(type) {
	case nil:
		return cbigquery.NullJSON{}, nil
	case cbigquery.NullJSON:
		return value, nil
	case json.RawMessage:
		raw = value
	case []byte:
		raw = value
	default:
		marshaled, err := json.Marshal(value)
		if err != nil {
			return cbigquery.NullJSON{}, fmt.Errorf("marshal json: %w", err)
		}
		raw = marshaled
	}
	if len(raw) == 0 {
		return cbigquery.NullJSON{}, nil
	}
	return cbigquery.NullJSON{Valid: true, JSONVal: string(raw)}, nil
}
