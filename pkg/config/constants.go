package config

const (
	EnvPrefix = "STOREBOT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	CartBackendSQL   = "sql"
	CartBackendMongo = "mongo"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	EnvAppEnv            = "STOREBOT_APP_ENV"
	EnvPort              = "STOREBOT_APP_PORT"
	EnvDBDSN             = "STOREBOT_DB_DSN"
	EnvDBDriver          = "STOREBOT_DB_DRIVER"
	EnvRedisURL          = "STOREBOT_REDIS_URL"
	EnvMongoURI          = "STOREBOT_MONGO_URI"
	EnvStripeAPIKey      = "STOREBOT_STRIPE_API_KEY"
	EnvStripeSecret      = "STOREBOT_STRIPE_SECRET"
	EnvStripeCurrency    = "STOREBOT_STRIPE_CURRENCY"
	EnvTelegramToken     = "STOREBOT_TELEGRAM_BOT_TOKEN"
	EnvCartTTLHours      = "STOREBOT_CART_TTL_HOURS"
	EnvCartBackend       = "STOREBOT_CART_BACKEND"
	EnvCheckoutAttempts  = "STOREBOT_CHECKOUT_MAX_ATTEMPTS"
	EnvConversationTTL   = "STOREBOT_CONVERSATION_TTL"
	EnvUserLockTTL       = "STOREBOT_USER_LOCK_TTL"
	EnvPubSubAlertsTopic = "STOREBOT_PUBSUB_ALERTS_TOPIC"
	EnvGCPProjectID      = "STOREBOT_GCP_PROJECT_ID"
)
