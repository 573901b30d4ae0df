package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const (
	outboxRetentionDays    = 30
	defaultOutboxPruneSize = 1000
	day                    = 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

// OutboxRetentionJobParams configures NewOutboxRetentionJob. Retention is in
// days and BatchSize bounds the rows removed per transaction.
type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRetentionRepo
	Retention  int
	BatchSize  int
}

// NewOutboxRetentionJob prunes published outbox rows. Unpublished and
// terminal rows are never touched, whatever their age.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository required")
	}
	job := &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		retention: time.Duration(params.Retention) * day,
		batchSize: params.BatchSize,
		now:       time.Now,
	}
	if params.Retention <= 0 {
		job.retention = outboxRetentionDays * day
	}
	if job.batchSize <= 0 {
		job.batchSize = defaultOutboxPruneSize
	}
	return job, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      outboxRetentionRepo
	retention time.Duration
	batchSize int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

// Run deletes in batches, one transaction each, until a batch comes back
// short. Batches already committed stay deleted when a later one fails.
func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var total int64
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("outbox retention after %d rows: %w", total, err)
		}
		var deleted int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			deleted, err = j.repo.DeletePublishedBefore(tx, cutoff, j.batchSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("outbox retention after %d rows: %w", total, err)
		}
		total += deleted
		batches++
		if deleted < int64(j.batchSize) {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": int(j.retention / day),
		"rows_deleted":   total,
		"batches":        batches,
	}), "outbox retention cleanup complete")
	return nil
}
