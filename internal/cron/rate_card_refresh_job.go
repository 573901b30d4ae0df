package cron

import (
	"context"
	"fmt"
)

type rateCardRefresher interface {
	Refresh(ctx context.Context) error
}

// NewRateCardRefreshJob reloads published rate cards into the in-memory
// registry of the running process.
func NewRateCardRefreshJob(refresher rateCardRefresher) (Job, error) {
	if refresher == nil {
		return nil, fmt.Errorf("rate card provider required")
	}
	return &rateCardRefreshJob{refresher: refresher}, nil
}

type rateCardRefreshJob struct {
	refresher rateCardRefresher
}

func (j *rateCardRefreshJob) Name() string { return "rate-card-refresh" }

func (j *rateCardRefreshJob) Run(ctx context.Context) error {
	if err := j.refresher.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh rate cards: %w", err)
	}
	return nil
}
