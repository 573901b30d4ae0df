package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cloudbigquery "cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	"github.com/angelmondragon/creditledger-backend/pkg/bigquery"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
)

const (
	// MaxWindow bounds how far back a single report may scan.
	MaxWindow = 366 * 24 * time.Hour

	topModelsLimit = 10

	dailyUsageSQL = `
SELECT
  FORMAT_DATE('%%F', DATE(occurred_at)) AS day,
  CAST(SUM(IF(kind = 'debit', amount, 0)) AS STRING) AS debited,
  CAST(SUM(IF(kind = 'credit', amount, 0)) AS STRING) AS credited,
  COUNTIF(kind = 'debit' AND reference_type = 'usage') AS requests
FROM %s
WHERE %s
  occurred_at BETWEEN @start AND @end
GROUP BY day
ORDER BY day ASC
`

	topModelsSQL = `
SELECT
  model,
  CAST(SUM(amount) AS STRING) AS credits,
  COUNT(*) AS requests
FROM %s
WHERE %s
  kind = 'debit'
  AND model IS NOT NULL
  AND occurred_at BETWEEN @start AND @end
GROUP BY model
ORDER BY SUM(amount) DESC
LIMIT @limit
`

	purchaseTotalsSQL = `
SELECT
  COUNT(*) AS purchases,
  COALESCE(SUM(total_credits), 0) AS credits,
  COALESCE(SUM(price_usd_cents), 0) AS revenue
FROM %s
WHERE %s
  event_type = 'purchase_succeeded'
  AND occurred_at BETWEEN @start AND @end
`
)

type rowIterator interface {
	Next(dst interface{}) error
}

type queryRunner func(ctx context.Context, sql string, params []cloudbigquery.QueryParameter) (rowIterator, error)

// UsageService answers admin usage reports from the exported ledger tables.
type UsageService interface {
	Query(ctx context.Context, req types.UsageQueryRequest) (*types.UsageQueryResponse, error)
}

type usageService struct {
	run           queryRunner
	ledgerTable   string
	purchaseTable string
}

// NewUsageService builds a report service backed by BigQuery.
func NewUsageService(client *bigquery.Client, ledgerTable, purchaseTable string) (UsageService, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	ledgerRef := client.TableRef(ledgerTable)
	purchaseRef := client.TableRef(purchaseTable)
	if ledgerRef == "" || purchaseRef == "" {
		return nil, errors.New("ledger and purchase tables are required")
	}
	run := func(ctx context.Context, sql string, params []cloudbigquery.QueryParameter) (rowIterator, error) {
		it, err := client.Query(ctx, sql, params)
		if err != nil {
			return nil, err
		}
		return it, nil
	}
	return &usageService{run: run, ledgerTable: ledgerRef, purchaseTable: purchaseRef}, nil
}

func (s *usageService) Query(ctx context.Context, req types.UsageQueryRequest) (*types.UsageQueryResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	userClause, params := baseParams(req)

	daily, err := s.queryDaily(ctx, fmt.Sprintf(dailyUsageSQL, s.ledgerTable, userClause), params)
	if err != nil {
		return nil, err
	}
	topParams := append(append([]cloudbigquery.QueryParameter{}, params...), cloudbigquery.QueryParameter{Name: "limit", Value: topModelsLimit})
	models, err := s.queryTopModels(ctx, fmt.Sprintf(topModelsSQL, s.ledgerTable, userClause), topParams)
	if err != nil {
		return nil, err
	}
	purchases, err := s.queryPurchases(ctx, fmt.Sprintf(purchaseTotalsSQL, s.purchaseTable, userClause), params)
	if err != nil {
		return nil, err
	}

	return &types.UsageQueryResponse{
		Start:     req.Start.UTC(),
		End:       req.End.UTC(),
		Daily:     daily,
		TopModels: models,
		Purchases: purchases,
	}, nil
}

func validateRequest(req types.UsageQueryRequest) error {
	if req.Start.IsZero() || req.End.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "start and end are required")
	}
	if req.End.Before(req.Start) {
		return pkgerrors.New(pkgerrors.CodeValidation, "end must be after start")
	}
	if req.End.Sub(req.Start) > MaxWindow {
		return pkgerrors.New(pkgerrors.CodeValidation, "window exceeds one year")
	}
	return nil
}

func baseParams(req types.UsageQueryRequest) (string, []cloudbigquery.QueryParameter) {
	params := []cloudbigquery.QueryParameter{
		{Name: "start", Value: req.Start.UTC()},
		{Name: "end", Value: req.End.UTC()},
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return "", params
	}
	return "user_id = @userID AND", append(params, cloudbigquery.QueryParameter{Name: "userID", Value: userID})
}

func (s *usageService) queryDaily(ctx context.Context, sql string, params []cloudbigquery.QueryParameter) ([]types.DailyUsagePoint, error) {
	iter, err := s.run(ctx, sql, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query daily usage")
	}

	points := []types.DailyUsagePoint{}
	for {
		var row struct {
			Day      string `bigquery:"day"`
			Debited  string `bigquery:"debited"`
			Credited string `bigquery:"credited"`
			Requests int64  `bigquery:"requests"`
		}
		if err := iter.Next(&row); err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("reading daily usage row: %w", err)
		}
		debited, err := parseAmount(row.Debited)
		if err != nil {
			return nil, err
		}
		credited, err := parseAmount(row.Credited)
		if err != nil {
			return nil, err
		}
		points = append(points, types.DailyUsagePoint{Date: row.Day, Debited: debited, Credited: credited, Requests: row.Requests})
	}
	return points, nil
}

func (s *usageService) queryTopModels(ctx context.Context, sql string, params []cloudbigquery.QueryParameter) ([]types.ModelUsage, error) {
	iter, err := s.run(ctx, sql, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query top models")
	}

	result := []types.ModelUsage{}
	for {
		var row struct {
			Model    string `bigquery:"model"`
			Credits  string `bigquery:"credits"`
			Requests int64  `bigquery:"requests"`
		}
		if err := iter.Next(&row); err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("reading top model row: %w", err)
		}
		credits, err := parseAmount(row.Credits)
		if err != nil {
			return nil, err
		}
		result = append(result, types.ModelUsage{Model: row.Model, Credits: credits, Requests: row.Requests})
	}
	return result, nil
}

func (s *usageService) queryPurchases(ctx context.Context, sql string, params []cloudbigquery.QueryParameter) (types.PurchaseTotals, error) {
	iter, err := s.run(ctx, sql, params)
	if err != nil {
		return types.PurchaseTotals{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query purchase totals")
	}
	var row struct {
		Purchases int64 `bigquery:"purchases"`
		Credits   int64 `bigquery:"credits"`
		Revenue   int64 `bigquery:"revenue"`
	}
	if err := iter.Next(&row); err != nil {
		if err == iterator.Done {
			return types.PurchaseTotals{}, nil
		}
		return types.PurchaseTotals{}, fmt.Errorf("reading purchase totals row: %w", err)
	}
	return types.PurchaseTotals{Count: row.Purchases, Credits: row.Credits, RevenueUSDCents: row.Revenue}, nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return amount, nil
}
