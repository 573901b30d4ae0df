package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Billing      BillingConfig
	Admin        AdminConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Stripe       StripeConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CREDITLEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"CREDITLEDGER_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"CREDITLEDGER_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"CREDITLEDGER_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"CREDITLEDGER_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CREDITLEDGER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CREDITLEDGER_DB_DSN"`
	Driver string `envconfig:"CREDITLEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CREDITLEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"CREDITLEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CREDITLEDGER_DB_USER"`
	LegacyPassword string `envconfig:"CREDITLEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"CREDITLEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"CREDITLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CREDITLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CREDITLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CREDITLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CREDITLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver is sqlite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"CREDITLEDGER_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CREDITLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"CREDITLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"CREDITLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CREDITLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CREDITLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CREDITLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CREDITLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CREDITLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// BillingConfig holds the pricing and ledger safety knobs.
type BillingConfig struct {
	CreditsPerDollar int64         `envconfig:"CREDITLEDGER_BILLING_CREDITS_PER_DOLLAR" default:"1000"`
	Markup           string        `envconfig:"CREDITLEDGER_BILLING_MARKUP" default:"4"`
	RoundingMode     string        `envconfig:"CREDITLEDGER_BILLING_ROUNDING_MODE" default:"ceil"`
	MagnitudeCeiling string        `envconfig:"CREDITLEDGER_BILLING_MAGNITUDE_CEILING" default:"1000000000000000"`
	LockTimeout      time.Duration `envconfig:"CREDITLEDGER_BILLING_LOCK_TIMEOUT" default:"5s"`
	RateCardVersion  string        `envconfig:"CREDITLEDGER_BILLING_RATE_CARD_VERSION" default:"2024-01-default"`
	RateCardFile     string        `envconfig:"CREDITLEDGER_BILLING_RATE_CARD_FILE"`
	UsageRateLimit   int64         `envconfig:"CREDITLEDGER_BILLING_USAGE_RATE_LIMIT" default:"0"`
	UsageIPRateLimit int64         `envconfig:"CREDITLEDGER_BILLING_USAGE_IP_RATE_LIMIT" default:"0"`
	UsageRateWindow  time.Duration `envconfig:"CREDITLEDGER_BILLING_USAGE_RATE_WINDOW" default:"1m"`
}

func (b BillingConfig) validate() error {
	if b.CreditsPerDollar <= 0 {
		return fmt.Errorf("%s must be positive", EnvBillingCreditsPerDollar)
	}
	switch strings.ToLower(strings.TrimSpace(b.RoundingMode)) {
	case "precise", "ceil":
	default:
		return fmt.Errorf("%s must be precise or ceil, got %q", EnvBillingRoundingMode, b.RoundingMode)
	}
	if b.LockTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvBillingLockTimeout)
	}
	return nil
}

type AdminConfig struct {
	Token string `envconfig:"CREDITLEDGER_ADMIN_TOKEN"`
}

type CronConfig struct {
	Interval           time.Duration `envconfig:"CREDITLEDGER_CRON_INTERVAL" default:"24h"`
	RateCardRefresh    time.Duration `envconfig:"CREDITLEDGER_CRON_RATE_CARD_REFRESH" default:"1m"`
	ReconcileWorkers   int           `envconfig:"CREDITLEDGER_CRON_RECONCILE_WORKERS" default:"4"`
	ReconcileBatchSize int           `envconfig:"CREDITLEDGER_CRON_RECONCILE_BATCH_SIZE" default:"500"`
	LockTTL            time.Duration `envconfig:"CREDITLEDGER_CRON_LOCK_TTL" default:"25h"`
	JobTimeout         time.Duration `envconfig:"CREDITLEDGER_CRON_JOB_TIMEOUT" default:"30m"`
	OutboxRetention    int           `envconfig:"CREDITLEDGER_CRON_OUTBOX_RETENTION_DAYS" default:"30"`
	OutboxPruneBatch   int           `envconfig:"CREDITLEDGER_CRON_OUTBOX_PRUNE_BATCH" default:"1000"`
	RunJob             string        `envconfig:"CREDITLEDGER_CRON_RUN_JOB"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"CREDITLEDGER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"CREDITLEDGER_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"CREDITLEDGER_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	WebhookDedupeTTL     time.Duration `envconfig:"CREDITLEDGER_EVENTING_WEBHOOK_DEDUPE_TTL" default:"168h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"CREDITLEDGER_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"CREDITLEDGER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"CREDITLEDGER_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	LedgerTopic                   string `envconfig:"CREDITLEDGER_PUBSUB_LEDGER_TOPIC" default:"credit-ledger-events"`
	PurchaseTopic                 string `envconfig:"CREDITLEDGER_PUBSUB_PURCHASE_TOPIC" default:"credit-purchase-events"`
	LedgerAnalyticsSubscription   string `envconfig:"CREDITLEDGER_PUBSUB_LEDGER_ANALYTICS_SUBSCRIPTION" default:"credit-ledger-analytics"`
	PurchaseAnalyticsSubscription string `envconfig:"CREDITLEDGER_PUBSUB_PURCHASE_ANALYTICS_SUBSCRIPTION" default:"credit-purchase-analytics"`
}

// BigQueryConfig locates the analytics export. An empty dataset disables it.
type BigQueryConfig struct {
	Dataset             string `envconfig:"CREDITLEDGER_BIGQUERY_DATASET"`
	LedgerEntriesTable  string `envconfig:"CREDITLEDGER_BIGQUERY_LEDGER_ENTRIES_TABLE" default:"ledger_entries"`
	PurchaseEventsTable string `envconfig:"CREDITLEDGER_BIGQUERY_PURCHASE_EVENTS_TABLE" default:"purchase_events"`
	CreateTables        bool   `envconfig:"CREDITLEDGER_BIGQUERY_CREATE_TABLES" default:"false"`
	MaxBytesBilled      int64  `envconfig:"CREDITLEDGER_BIGQUERY_MAX_BYTES_BILLED" default:"0"`
}

// Enabled reports whether a dataset is configured.
func (b BigQueryConfig) Enabled() bool {
	return strings.TrimSpace(b.Dataset) != ""
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"CREDITLEDGER_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"CREDITLEDGER_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"CREDITLEDGER_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type StripeConfig struct {
	APIKey           string        `envconfig:"CREDITLEDGER_STRIPE_API_KEY"`
	Secret           string        `envconfig:"CREDITLEDGER_STRIPE_SECRET"`
	Env              string        `envconfig:"CREDITLEDGER_STRIPE_ENV" default:"test"`
	SuccessURL       string        `envconfig:"CREDITLEDGER_STRIPE_SUCCESS_URL" default:"http://localhost:3000/billing/success"`
	CancelURL        string        `envconfig:"CREDITLEDGER_STRIPE_CANCEL_URL" default:"http://localhost:3000/billing/cancel"`
	WebhookTolerance time.Duration `envconfig:"CREDITLEDGER_STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
