package config

const EnvPrefix = "ORDERFLOW"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	BusDriverKafka  = "kafka"
	BusDriverPubSub = "pubsub"
	BusDriverAMQP   = "amqp"
)

const (
	EnvAppEnv   = "ORDERFLOW_APP_ENV"
	EnvPort     = "ORDERFLOW_APP_PORT"
	EnvLogLevel = "ORDERFLOW_LOG_LEVEL"

	EnvDBDSN    = "ORDERFLOW_DB_DSN"
	EnvDBDriver = "ORDERFLOW_DB_DRIVER"
	EnvDBHost   = "ORDERFLOW_DB_HOST"
	EnvDBUser   = "ORDERFLOW_DB_USER"
	EnvDBName   = "ORDERFLOW_DB_NAME"

	EnvRedisURL = "ORDERFLOW_REDIS_URL"

	EnvBusDriver    = "ORDERFLOW_BUS_DRIVER"
	EnvKafkaBrokers = "ORDERFLOW_KAFKA_BROKERS"
	EnvGCPProjectID = "ORDERFLOW_GCP_PROJECT_ID"
	EnvAMQPURL      = "ORDERFLOW_AMQP_URL"

	EnvOutboxMaxRetries    = "ORDERFLOW_OUTBOX_MAX_RETRIES"
	EnvOutboxSweepInterval = "ORDERFLOW_OUTBOX_SWEEP_INTERVAL"

	EnvInventoryStock = "ORDERFLOW_INVENTORY_STOCK"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
