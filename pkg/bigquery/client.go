package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// TableSpec describes an analytics table the client may create. Tables are
// day-partitioned on PartitionField and clustered by ClusterBy.
type TableSpec struct {
	Name           string
	Schema         bigquery.Schema
	PartitionField string
	ClusterBy      []string
}

// Client wraps one BigQuery dataset holding the analytics export tables.
type Client struct {
	client    *bigquery.Client
	dataset   *bigquery.Dataset
	projectID string
	cfg       config.BigQueryConfig
	logg      *logger.Logger
}

// NewClient connects to BigQuery and checks the configured dataset exists.
// Tables are checked by EnsureTables or Ping.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	client := &Client{
		client:    bqClient,
		dataset:   bqClient.Dataset(datasetID),
		projectID: projectID,
		cfg:       cfg,
		logg:      logg,
	}

	checkCtx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()
	if _, err := client.dataset.Metadata(checkCtx); err != nil {
		_ = bqClient.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("dataset %q does not exist", datasetID)
		}
		return nil, fmt.Errorf("checking dataset %q: %w", datasetID, err)
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "bq_dataset", datasetID), "bigquery client initialized")
	}
	return client, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

func configuredTables(cfg config.BigQueryConfig) []string {
	var tables []string
	for _, name := range []string{cfg.LedgerEntriesTable, cfg.PurchaseEventsTable} {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			tables = append(tables, trimmed)
		}
	}
	return tables
}

// TableRef returns the fully qualified `project.dataset.table` name for SQL.
func (c *Client) TableRef(table string) string {
	if c == nil || c.dataset == nil {
		return ""
	}
	return fmt.Sprintf("`%s.%s.%s`", c.projectID, c.dataset.DatasetID, strings.TrimSpace(table))
}

// EnsureTables checks each table exists. Missing tables are created from
// their spec when CreateTables is set, otherwise they are an error.
func (c *Client) EnsureTables(ctx context.Context, specs ...TableSpec) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return errTableNameRequired
		}
		table := c.dataset.Table(name)
		_, err := table.Metadata(ctx)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("checking table %q: %w", name, err)
		}
		if !c.cfg.CreateTables {
			return fmt.Errorf("table %q does not exist", name)
		}
		if err := table.Create(ctx, tableMetadata(spec)); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("creating table %q: %w", name, err)
		}
		if c.logg != nil {
			c.logg.Info(c.logg.WithField(ctx, "bq_table", name), "bigquery table created")
		}
	}
	return nil
}

func tableMetadata(spec TableSpec) *bigquery.TableMetadata {
	meta := &bigquery.TableMetadata{Schema: spec.Schema}
	if spec.PartitionField != "" {
		meta.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: spec.PartitionField,
		}
	}
	if len(spec.ClusterBy) > 0 {
		meta.Clustering = &bigquery.Clustering{Fields: spec.ClusterBy}
	}
	return meta
}

// Ping verifies the dataset and configured tables are reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()
	if _, err := c.dataset.Metadata(ctx); err != nil {
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}
	for _, name := range configuredTables(c.cfg) {
		if _, err := c.dataset.Table(name).Metadata(ctx); err != nil {
			return fmt.Errorf("checking table %q: %w", name, err)
		}
	}
	return nil
}

// InsertRows streams rows into a table of the dataset.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	return c.dataset.Table(table).Inserter().Put(ctx, rows)
}

// Query runs parameterized SQL. MaxBytesBilled caps the scan when set.
func (c *Client) Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (*bigquery.RowIterator, error) {
	if c == nil || c.client == nil {
		return nil, errClientNotInitialized
	}
	if strings.TrimSpace(sql) == "" {
		return nil, errors.New("sql query is required")
	}
	q := c.client.Query(sql)
	q.Parameters = params
	if c.cfg.MaxBytesBilled > 0 {
		q.MaxBytesBilled = c.cfg.MaxBytesBilled
	}
	return q.Read(ctx)
}

// Close releases the BigQuery client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}
