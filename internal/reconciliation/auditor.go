// Package reconciliation audits the cached balances against the ledger.
// The auditor only reads; a mismatch is reported and never corrected here.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const (
	defaultWorkers   = 4
	defaultBatchSize = 500
	// a writer committing between the two reads shows up as a version skew
	maxSnapshotReads = 3
)

type snapshotRunner interface {
	WithSnapshot(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditMetrics interface {
	SetMismatches(count int)
	IncReconcileRun(result string)
}

// UserReport compares one user's ledger fold with the cached balance.
type UserReport struct {
	UserID         string
	Consistent     bool
	LedgerSum      decimal.Decimal
	CachedBalance  decimal.Decimal
	Delta          decimal.Decimal
	Entries        int64
	LastSequence   int64
	BalanceVersion int64
}

// SystemReport is the result of a full audit.
type SystemReport struct {
	Consistent      bool
	LedgerTotal     decimal.Decimal
	BalanceTotal    decimal.Decimal
	Delta           decimal.Decimal
	LedgerEntries   int64
	BalanceVersions int64
	UsersChecked    int
	Mismatches      []UserReport
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Params wires an Auditor. Snapshot, when set, reads the system totals
// inside one read-only transaction.
type Params struct {
	Ledger    ledger.Repository
	Balances  balances.Repository
	Snapshot  snapshotRunner
	Workers   int
	BatchSize int
	Metrics   auditMetrics
	Logger    *logger.Logger
}

// Auditor recomputes balances from the ledger and compares them with the
// cached projection.
type Auditor struct {
	ledger    ledger.Repository
	balances  balances.Repository
	snapshot  snapshotRunner
	workers   int
	batchSize int
	metrics   auditMetrics
	logg      *logger.Logger
	now       func() time.Time
}

// NewAuditor builds an Auditor.
func NewAuditor(params Params) (*Auditor, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Balances == nil {
		return nil, fmt.Errorf("balance repository required")
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Auditor{
		ledger:    params.Ledger,
		balances:  params.Balances,
		snapshot:  params.Snapshot,
		workers:   workers,
		batchSize: batch,
		metrics:   params.Metrics,
		logg:      params.Logger,
		now:       time.Now,
	}, nil
}

// ReconcileUser audits a single account.
func (a *Auditor) ReconcileUser(ctx context.Context, userID string) (*UserReport, error) {
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	report, err := a.check(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		a.alertUser(ctx, report)
	}
	return report, nil
}

// ReconcileAll audits every account that has ledger history, then compares
// the system-wide totals. Per-user read failures are collected and returned
// alongside the partial report.
func (a *Auditor) ReconcileAll(ctx context.Context) (*SystemReport, error) {
	report := &SystemReport{StartedAt: a.now().UTC()}

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	after := ""
	for {
		ids, err := a.ledger.ListUserIDs(gctx, after, a.batchSize)
		if err != nil {
			_ = g.Wait()
			a.observeRun("error")
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger users")
		}
		for _, id := range ids {
			userID := id
			g.Go(func() error {
				userReport, err := a.check(gctx, userID)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", userID, err))
					return nil
				}
				report.UsersChecked++
				if !userReport.Consistent {
					report.Mismatches = append(report.Mismatches, *userReport)
				}
				return nil
			})
		}
		if len(ids) < a.batchSize {
			break
		}
		after = ids[len(ids)-1]
	}
	if err := g.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	totals, err := a.totals(ctx)
	if err != nil {
		a.observeRun("error")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, multierr.Append(errs, err), "load system totals")
	}
	report.LedgerTotal = totals.ledger.Sum
	report.BalanceTotal = totals.balances.Sum
	report.LedgerEntries = totals.ledger.Entries
	report.BalanceVersions = totals.balances.Versions
	report.Delta = totals.balances.Sum.Sub(totals.ledger.Sum)
	report.Consistent = len(report.Mismatches) == 0 && report.Delta.IsZero()
	report.FinishedAt = a.now().UTC()

	sort.Slice(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].UserID < report.Mismatches[j].UserID
	})
	for i := range report.Mismatches {
		a.alertUser(ctx, &report.Mismatches[i])
	}
	if !report.Delta.IsZero() {
		a.alertSystem(ctx, report)
	}

	if a.metrics != nil {
		a.metrics.SetMismatches(len(report.Mismatches))
	}
	switch {
	case errs != nil:
		a.observeRun("error")
	case report.Consistent:
		a.observeRun("consistent")
	default:
		a.observeRun("mismatch")
	}

	if a.logg != nil {
		logCtx := a.logg.WithFields(ctx, map[string]any{
			"users_checked": report.UsersChecked,
			"mismatches":    len(report.Mismatches),
			"ledger_total":  report.LedgerTotal.String(),
			"balance_total": report.BalanceTotal.String(),
			"duration_ms":   report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		})
		a.logg.Info(logCtx, "ledger reconciliation complete")
	}
	return report, errs
}

// MismatchError converts an inconsistent report into a RECONCILIATION_MISMATCH
// error, or nil when the report is clean.
func MismatchError(report *SystemReport) error {
	if report == nil || report.Consistent {
		return nil
	}
	users := make([]string, 0, len(report.Mismatches))
	for _, mismatch := range report.Mismatches {
		users = append(users, mismatch.UserID)
	}
	return pkgerrors.New(pkgerrors.CodeReconciliationMismatch, "ledger and cached balances disagree").
		WithDetails(map[string]any{
			"users":        users,
			"systemDelta":  report.Delta.String(),
			"usersChecked": report.UsersChecked,
		})
}

func (a *Auditor) check(ctx context.Context, userID string) (*UserReport, error) {
	var report *UserReport
	for attempt := 0; attempt < maxSnapshotReads; attempt++ {
		totals, err := a.ledger.SumForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		cached := decimal.Zero
		var version int64
		row, err := a.balances.Find(ctx, userID)
		switch {
		case err == nil:
			cached = row.Balance
			version = row.Version
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return nil, err
		}

		delta := cached.Sub(totals.Sum)
		report = &UserReport{
			UserID:         userID,
			Consistent:     delta.IsZero(),
			LedgerSum:      totals.Sum,
			CachedBalance:  cached,
			Delta:          delta,
			Entries:        totals.Entries,
			LastSequence:   totals.LastSequence,
			BalanceVersion: version,
		}
		if report.Consistent || version == totals.LastSequence {
			return report, nil
		}
	}
	return report, nil
}

type systemTotals struct {
	ledger   ledger.Totals
	balances balances.Totals
}

// settled reports whether both folds saw the same set of committed writes.
// Every entry bumps exactly one balance version in the same transaction.
func (t systemTotals) settled() bool {
	return t.ledger.Sum.Equal(t.balances.Sum) || t.ledger.Entries == t.balances.Versions
}

func (a *Auditor) totals(ctx context.Context) (systemTotals, error) {
	var totals systemTotals
	for attempt := 0; attempt < maxSnapshotReads; attempt++ {
		var err error
		if a.snapshot == nil {
			totals, err = readTotals(ctx, a.ledger, a.balances)
		} else {
			err = a.snapshot.WithSnapshot(ctx, func(tx *gorm.DB) error {
				var err error
				totals, err = readTotals(ctx, a.ledger.WithTx(tx), a.balances.WithTx(tx))
				return err
			})
		}
		if err != nil {
			return systemTotals{}, err
		}
		if totals.settled() {
			return totals, nil
		}
	}
	return totals, nil
}

func readTotals(ctx context.Context, ledgerRepo ledger.Repository, balanceRepo balances.Repository) (systemTotals, error) {
	ledgerTotals, err := ledgerRepo.SumAll(ctx)
	if err != nil {
		return systemTotals{}, err
	}
	balanceTotals, err := balanceRepo.SumAll(ctx)
	if err != nil {
		return systemTotals{}, err
	}
	return systemTotals{ledger: ledgerTotals, balances: balanceTotals}, nil
}

func (a *Auditor) alertUser(ctx context.Context, report *UserReport) {
	if a.logg == nil {
		return
	}
	logCtx := a.logg.WithFields(ctx, map[string]any{
		"user_id":         report.UserID,
		"ledger_sum":      report.LedgerSum.String(),
		"cached_balance":  report.CachedBalance.String(),
		"delta":           report.Delta.String(),
		"last_sequence":   report.LastSequence,
		"balance_version": report.BalanceVersion,
	})
	a.logg.Critical(logCtx, "cached balance diverges from ledger", pkgerrors.New(pkgerrors.CodeReconciliationMismatch, "user balance mismatch"))
}

func (a *Auditor) alertSystem(ctx context.Context, report *SystemReport) {
	if a.logg == nil {
		return
	}
	logCtx := a.logg.WithFields(ctx, map[string]any{
		"ledger_total":     report.LedgerTotal.String(),
		"balance_total":    report.BalanceTotal.String(),
		"delta":            report.Delta.String(),
		"ledger_entries":   report.LedgerEntries,
		"balance_versions": report.BalanceVersions,
	})
	a.logg.Critical(logCtx, "system balance total diverges from ledger", pkgerrors.New(pkgerrors.CodeReconciliationMismatch, "system total mismatch"))
}

func (a *Auditor) observeRun(result string) {
	if a.metrics != nil {
		a.metrics.IncReconcileRun(result)
	}
}
