package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	DB            DBConfig
	Redis         RedisConfig
	Mongo         MongoConfig
	Stripe        StripeConfig
	Telegram      TelegramConfig
	Cart          CartConfig
	Checkout      CheckoutConfig
	Reconcile     ReconcileConfig
	Notifications NotificationsConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	Cron          CronConfig
	FeatureFlags  FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.DB.Driver {
	case DBDriverPostgres:
		if strings.TrimSpace(c.DB.DSN) == "" {
			errs = append(errs, fmt.Errorf("%s is required for postgres", EnvDBDSN))
		}
	case DBDriverSQLite:
		if strings.TrimSpace(c.DB.DSN) == "" {
			c.DB.DSN = "file:storebot.db?_foreign_keys=on"
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported db driver %q", c.DB.Driver))
	}
	switch c.Cart.Backend {
	case CartBackendSQL:
	case CartBackendMongo:
		if strings.TrimSpace(c.Mongo.URI) == "" {
			errs = append(errs, fmt.Errorf("%s is required when cart backend is mongo", EnvMongoURI))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported cart backend %q", c.Cart.Backend))
	}
	if c.Cart.TTLHours <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvCartTTLHours))
	}
	if c.Cart.MaxQuantity <= 0 {
		errs = append(errs, errors.New("cart max quantity must be positive"))
	}
	if c.Checkout.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvCheckoutAttempts))
	}
	if c.Redis.ConversationTTL <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvConversationTTL))
	}
	if c.Redis.UserLockTTL <= c.Checkout.GatewayTimeout*time.Duration(c.Checkout.MaxAttempts) {
		errs = append(errs, fmt.Errorf("%s must outlast every checkout attempt", EnvUserLockTTL))
	}
	return errors.Join(errs...)
}

type AppConfig struct {
	Env          string   `envconfig:"STOREBOT_APP_ENV" default:"dev"`
	Port         string   `envconfig:"STOREBOT_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"STOREBOT_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"STOREBOT_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"STOREBOT_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"STOREBOT_DB_DSN"`
	Driver string `envconfig:"STOREBOT_DB_DRIVER" default:"postgres"`

	MaxOpenConns    int           `envconfig:"STOREBOT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOREBOT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOREBOT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOREBOT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREBOT_REDIS_URL"`
	Address      string        `envconfig:"STOREBOT_REDIS_ADDR"`
	Password     string        `envconfig:"STOREBOT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREBOT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREBOT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOREBOT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOREBOT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREBOT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOREBOT_REDIS_WRITE_TIMEOUT" default:"5s"`

	IdempotencyTTL  time.Duration `envconfig:"STOREBOT_IDEMPOTENCY_TTL" default:"72h"`
	ConversationTTL time.Duration `envconfig:"STOREBOT_CONVERSATION_TTL" default:"30m"`
	// UserLockTTL bounds how long a crashed replica can hold a user's lease.
	UserLockTTL time.Duration `envconfig:"STOREBOT_USER_LOCK_TTL" default:"2m"`
}

type MongoConfig struct {
	URI      string        `envconfig:"STOREBOT_MONGO_URI"`
	Database string        `envconfig:"STOREBOT_MONGO_DATABASE" default:"storebot"`
	Timeout  time.Duration `envconfig:"STOREBOT_MONGO_TIMEOUT" default:"10s"`
}

type StripeConfig struct {
	APIKey   string `envconfig:"STOREBOT_STRIPE_API_KEY"`
	Secret   string `envconfig:"STOREBOT_STRIPE_SECRET"`
	Env      string `envconfig:"STOREBOT_STRIPE_ENV" default:"test"`
	Currency string `envconfig:"STOREBOT_STRIPE_CURRENCY" default:"eur"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// NormalizedCurrency returns the ISO currency code in upper case.
func (s StripeConfig) NormalizedCurrency() string {
	currency := strings.TrimSpace(strings.ToUpper(s.Currency))
	if currency == "" {
		return "EUR"
	}
	return currency
}

type TelegramConfig struct {
	BotToken      string        `envconfig:"STOREBOT_TELEGRAM_BOT_TOKEN"`
	WebhookSecret string        `envconfig:"STOREBOT_TELEGRAM_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"STOREBOT_TELEGRAM_TIMEOUT" default:"10s"`
}

type CartConfig struct {
	TTLHours    int    `envconfig:"STOREBOT_CART_TTL_HOURS" default:"72"`
	Backend     string `envconfig:"STOREBOT_CART_BACKEND" default:"sql"`
	MaxQuantity int    `envconfig:"STOREBOT_CART_MAX_QUANTITY" default:"99"`
}

// TTL returns the cart expiry window measured from the last modification.
func (c CartConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

type CheckoutConfig struct {
	GatewayTimeout time.Duration `envconfig:"STOREBOT_CHECKOUT_GATEWAY_TIMEOUT" default:"10s"`
	MaxAttempts    int           `envconfig:"STOREBOT_CHECKOUT_MAX_ATTEMPTS" default:"3"`
	BackoffBase    time.Duration `envconfig:"STOREBOT_CHECKOUT_BACKOFF_BASE" default:"250ms"`
}

type ReconcileConfig struct {
	EventRetention time.Duration `envconfig:"STOREBOT_RECONCILE_EVENT_RETENTION" default:"720h"`
	StaleAfter     time.Duration `envconfig:"STOREBOT_RECONCILE_STALE_AFTER" default:"30m"`
	PendingTimeout time.Duration `envconfig:"STOREBOT_RECONCILE_PENDING_TIMEOUT" default:"15m"`
}

type NotificationsConfig struct {
	BatchSize    int           `envconfig:"STOREBOT_NOTIFY_BATCH_SIZE" default:"50"`
	PollInterval time.Duration `envconfig:"STOREBOT_NOTIFY_POLL_INTERVAL" default:"2s"`
	MaxAttempts  int           `envconfig:"STOREBOT_NOTIFY_MAX_ATTEMPTS" default:"8"`
	Timeout      time.Duration `envconfig:"STOREBOT_NOTIFY_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"STOREBOT_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	AlertsTopic string `envconfig:"STOREBOT_PUBSUB_ALERTS_TOPIC"`
}

// Enabled reports whether operator alerts should be published to Pub/Sub.
func (p PubSubConfig) Enabled(gcp GCPConfig) bool {
	return strings.TrimSpace(p.AlertsTopic) != "" && strings.TrimSpace(gcp.ProjectID) != ""
}

type CronConfig struct {
	Interval time.Duration `envconfig:"STOREBOT_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"STOREBOT_CRON_LOCK_TTL" default:"5m"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STOREBOT_FEATURE_AUTO_MIGRATE" default:"false"`
}
