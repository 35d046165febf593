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
	FeatureFlags FeatureFlagsConfig
	Bus          BusConfig
	Kafka        KafkaConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	AMQP         AMQPConfig
	Outbox       OutboxConfig
	Idempotency  IdempotencyConfig
	Resilience   ResilienceConfig
	Delivery     DeliveryConfig
	Inventory    InventoryConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field settings envconfig cannot express.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DBDriverPostgres, DBDriverSQLite:
	default:
		return fmt.Errorf("unsupported %s %q", EnvDBDriver, c.DB.Driver)
	}

	switch c.Bus.Driver {
	case BusDriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%s is required for the kafka bus", EnvKafkaBrokers)
		}
	case BusDriverPubSub:
		if strings.TrimSpace(c.GCP.ProjectID) == "" {
			return fmt.Errorf("%s is required for the pubsub bus", EnvGCPProjectID)
		}
	case BusDriverAMQP:
		if strings.TrimSpace(c.AMQP.URL) == "" {
			return fmt.Errorf("%s is required for the amqp bus", EnvAMQPURL)
		}
	default:
		return fmt.Errorf("unsupported %s %q", EnvBusDriver, c.Bus.Driver)
	}

	if c.Outbox.MaxRetries <= 0 {
		return fmt.Errorf("%s must be positive", EnvOutboxMaxRetries)
	}
	return nil
}

type AppConfig struct {
	Env          string   `envconfig:"ORDERFLOW_APP_ENV" required:"true"`
	Port         string   `envconfig:"ORDERFLOW_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"ORDERFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"ORDERFLOW_LOG_WARN_STACK" default:"false"`
	// CORSOrigins is a comma separated allow list for browser clients.
	CORSOrigins  []string `envconfig:"ORDERFLOW_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"ORDERFLOW_SERVICE_KIND" default:"sales"`
}

type DBConfig struct {
	DSN    string `envconfig:"ORDERFLOW_DB_DSN"`
	Driver string `envconfig:"ORDERFLOW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"ORDERFLOW_DB_HOST"`
	LegacyPort     int    `envconfig:"ORDERFLOW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"ORDERFLOW_DB_USER"`
	LegacyPassword string `envconfig:"ORDERFLOW_DB_PASSWORD"`
	LegacyName     string `envconfig:"ORDERFLOW_DB_NAME"`
	LegacySSLMode  string `envconfig:"ORDERFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"ORDERFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ORDERFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ORDERFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ORDERFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ORDERFLOW_REDIS_URL"`
	Address      string        `envconfig:"ORDERFLOW_REDIS_ADDR" default:"localhost:6379"`
	Password     string        `envconfig:"ORDERFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"ORDERFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ORDERFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ORDERFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ORDERFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ORDERFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ORDERFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"ORDERFLOW_AUTO_MIGRATE" default:"false"`
}

type BusConfig struct {
	Driver              string        `envconfig:"ORDERFLOW_BUS_DRIVER" default:"kafka"`
	OrderEventsTopic    string        `envconfig:"ORDERFLOW_BUS_ORDER_EVENTS_TOPIC" default:"order-events"`
	DeliveryEventsTopic string        `envconfig:"ORDERFLOW_BUS_DELIVERY_EVENTS_TOPIC" default:"delivery-events"`
	SalesGroup          string        `envconfig:"ORDERFLOW_BUS_SALES_GROUP" default:"sales-consumer"`
	DeliveryGroup       string        `envconfig:"ORDERFLOW_BUS_DELIVERY_GROUP" default:"delivery-consumer"`
	PublishTimeout      time.Duration `envconfig:"ORDERFLOW_BUS_PUBLISH_TIMEOUT" default:"5s"`
	HandlerAttempts     int           `envconfig:"ORDERFLOW_BUS_HANDLER_ATTEMPTS" default:"3"`
}

type KafkaConfig struct {
	Brokers  []string `envconfig:"ORDERFLOW_KAFKA_BROKERS" default:"localhost:9092"`
	ClientID string   `envconfig:"ORDERFLOW_KAFKA_CLIENT_ID" default:"orderflow"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"ORDERFLOW_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	// Subscription IDs are derived as <group>-<topic> unless overridden.
	OrderEventsSubscription    string `envconfig:"ORDERFLOW_PUBSUB_ORDER_EVENTS_SUBSCRIPTION"`
	DeliveryEventsSubscription string `envconfig:"ORDERFLOW_PUBSUB_DELIVERY_EVENTS_SUBSCRIPTION"`
}

type AMQPConfig struct {
	URL      string `envconfig:"ORDERFLOW_AMQP_URL"`
	Exchange string `envconfig:"ORDERFLOW_AMQP_EXCHANGE" default:"orderflow"`
}

type OutboxConfig struct {
	SweeperEnabled bool          `envconfig:"ORDERFLOW_OUTBOX_SWEEPER_ENABLED" default:"true"`
	SweepInterval  time.Duration `envconfig:"ORDERFLOW_OUTBOX_SWEEP_INTERVAL" default:"5s"`
	BatchSize      int           `envconfig:"ORDERFLOW_OUTBOX_BATCH_SIZE" default:"10"`
	MaxRetries     int           `envconfig:"ORDERFLOW_OUTBOX_MAX_RETRIES" default:"5"`
	ClaimTimeout   time.Duration `envconfig:"ORDERFLOW_OUTBOX_CLAIM_TIMEOUT" default:"1m"`
}

type IdempotencyConfig struct {
	LockTTL   time.Duration `envconfig:"ORDERFLOW_IDEMPOTENCY_LOCK_TTL" default:"300s"`
	ResultTTL time.Duration `envconfig:"ORDERFLOW_IDEMPOTENCY_RESULT_TTL" default:"1h"`
	BusyWait  time.Duration `envconfig:"ORDERFLOW_IDEMPOTENCY_BUSY_WAIT" default:"100ms"`
	EventTTL  time.Duration `envconfig:"ORDERFLOW_IDEMPOTENCY_EVENT_TTL" default:"24h"`
}

type ResilienceConfig struct {
	ConnectAttempts     int           `envconfig:"ORDERFLOW_CONNECT_ATTEMPTS" default:"10"`
	ConnectInitialDelay time.Duration `envconfig:"ORDERFLOW_CONNECT_INITIAL_DELAY" default:"2s"`
	ConnectMaxDelay     time.Duration `envconfig:"ORDERFLOW_CONNECT_MAX_DELAY" default:"10s"`
	OperationAttempts   int           `envconfig:"ORDERFLOW_OPERATION_ATTEMPTS" default:"3"`
	OperationBaseDelay  time.Duration `envconfig:"ORDERFLOW_OPERATION_BASE_DELAY" default:"100ms"`
}

type DeliveryConfig struct {
	ShipDelay    time.Duration `envconfig:"ORDERFLOW_DELIVERY_SHIP_DELAY" default:"2s"`
	DeliverDelay time.Duration `envconfig:"ORDERFLOW_DELIVERY_DELIVER_DELAY" default:"5s"`
}

type InventoryConfig struct {
	// Stock is a product->quantity map, e.g. "p1:100,p2:5". Empty disables availability checks.
	Stock map[string]int `envconfig:"ORDERFLOW_INVENTORY_STOCK"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.Driver == DBDriverSQLite {
		db.DSN = "file:orderflow.db?cache=shared"
		return nil
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
