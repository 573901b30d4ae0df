package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	"github.com/angelmondragon/creditledger-backend/api/validators"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

type usageAnalytics interface {
	Query(ctx context.Context, req types.UsageQueryRequest) (*types.UsageQueryResponse, error)
}

var timeNowUTC = func() time.Time {
	return time.Now().UTC()
}

// AdminUsageAnalytics reports exported usage for a window given either as
// from/to RFC3339 timestamps or a 7d/30d/90d preset. userId narrows it to
// one account.
func AdminUsageAnalytics(svc usageAnalytics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, err := resolveAnalyticsRange(r, timeNowUTC())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		userID := strings.TrimSpace(r.URL.Query().Get("userId"))
		ctx := r.Context()
		if userID != "" {
			ctx = logg.WithUserID(ctx, userID)
		}
		report, err := svc.Query(ctx, types.UsageQueryRequest{UserID: userID, Start: start, End: end})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

func resolveAnalyticsRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	start, hasFrom, err := validators.ParseQueryTime(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, hasTo, err := validators.ParseQueryTime(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if hasFrom || hasTo {
		if !hasFrom || !hasTo {
			return time.Time{}, time.Time{}, pkgerrors.New(pkgerrors.CodeValidation, "from and to must be provided together")
		}
		if end.Before(start) {
			return time.Time{}, time.Time{}, pkgerrors.New(pkgerrors.CodeValidation, "end must be after start")
		}
		return start, end, nil
	}

	duration, ok := presetDuration(strings.TrimSpace(r.URL.Query().Get("preset")))
	if !ok {
		return time.Time{}, time.Time{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid preset")
	}
	return now.Add(-duration), now, nil
}

func presetDuration(value string) (time.Duration, bool) {
	if value == "" {
		value = "30d"
	}
	switch strings.ToLower(value) {
	case "7d":
		return 7 * 24 * time.Hour, true
	case "30d":
		return 30 * 24 * time.Hour, true
	case "90d":
		return 90 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
