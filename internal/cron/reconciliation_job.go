package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

type systemAuditor interface {
	ReconcileAll(ctx context.Context) (*reconciliation.SystemReport, error)
}

type ReconciliationJobParams struct {
	Logger  *logger.Logger
	Auditor systemAuditor
}

// NewReconciliationJob audits every balance against the ledger. A mismatch
// fails the job; nothing is corrected automatically.
func NewReconciliationJob(params ReconciliationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Auditor == nil {
		return nil, fmt.Errorf("auditor required")
	}
	return &reconciliationJob{logg: params.Logger, auditor: params.Auditor}, nil
}

type reconciliationJob struct {
	logg    *logger.Logger
	auditor systemAuditor
}

func (j *reconciliationJob) Name() string { return "reconciliation-audit" }

func (j *reconciliationJob) Run(ctx context.Context) error {
	report, err := j.auditor.ReconcileAll(ctx)
	if report == nil {
		if err == nil {
			err = fmt.Errorf("auditor returned no report")
		}
		return fmt.Errorf("reconciliation audit: %w", err)
	}
	return multierr.Combine(err, reconciliation.MismatchError(report))
}
