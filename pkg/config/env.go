package config

const EnvPrefix = "CREDITLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	EnvAppEnv   = "CREDITLEDGER_APP_ENV"
	EnvPort     = "CREDITLEDGER_APP_PORT"
	EnvLogLevel = "CREDITLEDGER_LOG_LEVEL"

	EnvDBDSN    = "CREDITLEDGER_DB_DSN"
	EnvDBDriver = "CREDITLEDGER_DB_DRIVER"
	EnvDBHost   = "CREDITLEDGER_DB_HOST"
	EnvDBUser   = "CREDITLEDGER_DB_USER"
	EnvDBName   = "CREDITLEDGER_DB_NAME"

	EnvRedisURL = "CREDITLEDGER_REDIS_URL"

	EnvBillingCreditsPerDollar = "CREDITLEDGER_BILLING_CREDITS_PER_DOLLAR"
	EnvBillingMarkup           = "CREDITLEDGER_BILLING_MARKUP"
	EnvBillingRoundingMode     = "CREDITLEDGER_BILLING_ROUNDING_MODE"
	EnvBillingLockTimeout      = "CREDITLEDGER_BILLING_LOCK_TIMEOUT"

	EnvAdminToken = "CREDITLEDGER_ADMIN_TOKEN"

	EnvStripeSecret = "CREDITLEDGER_STRIPE_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
