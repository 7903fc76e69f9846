package config

import "os"

// Config holds all configurable settings for the backend.  Each field
// corresponds to an environment variable.  Defaults are applied where
// reasonable so the service can run locally with minimal setup.
type Config struct {
	// HTTPAddr is the host:port on which to expose the HTTP API and
	// health checks.  The default is ":3000" which listens on all
	// interfaces.
	HTTPAddr string
	// GatewayURL is the base URL of the WhatsApp-compatible messaging
	// gateway (an Evolution API deployment).  If empty the WhatsApp
	// routes will report the integration as unconfigured.
	GatewayURL string
	// GatewayAPIKey is sent in the "apikey" header on every gateway
	// request.
	GatewayAPIKey string
	// InstancePrefix is prepended to generated instance names so that
	// several deployments can share one gateway.
	InstancePrefix string
	// WebhookURL is the publicly reachable URL the gateway should call
	// back with connection and message events.  If left empty no
	// webhook is registered when instances are created.
	WebhookURL string
	// WebhookAPIKey is the shared secret expected in the X-API-Key
	// header of inbound webhook requests.
	WebhookAPIKey string
	// SupabaseURL and SupabaseKey point at the managed auth/database
	// backend.  When SupabaseURL is empty the service falls back to a
	// local SQLite store and bearer authentication is unavailable.
	SupabaseURL string
	SupabaseKey string
	// SQLitePath is the database file used by the local store fallback.
	SQLitePath string
	// RedisURL enables the status mirror and the shared QR cache.
	// When empty both stay process-local.
	RedisURL string
	// AMQPURL and AMQPExchange configure the webhook event publisher
	// and the action consumer.  When AMQPURL is empty both are
	// disabled.
	AMQPURL      string
	AMQPExchange string
	// AMQPQueue is bound to the exchange with AMQPBinding and consumed
	// for asynchronous actions (outbound messages, calendar events).
	AMQPQueue   string
	AMQPBinding string
	// Google OAuth2 client used by the Calendar integration.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
}

// NewConfig reads configuration from the environment and returns a
// populated Config instance.  Missing variables fall back to sensible
// defaults as documented on the struct fields.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":3000")
	cfg.GatewayURL = getEnv("WHATSAPP_API_URL", "")
	cfg.GatewayAPIKey = getEnv("WHATSAPP_API_KEY", "")
	cfg.InstancePrefix = getEnv("WHATSAPP_INSTANCE_PREFIX", "secretaria-ai")
	cfg.WebhookURL = getEnv("WEBHOOK_URL", "")
	cfg.WebhookAPIKey = getEnv("WEBHOOK_API_KEY", "")
	cfg.SupabaseURL = getEnv("SUPABASE_URL", "")
	cfg.SupabaseKey = getEnv("SUPABASE_KEY", "")
	cfg.SQLitePath = getEnv("SQLITE_PATH", "./state/secretaria.db")
	cfg.RedisURL = getEnv("REDIS_URL", "")
	cfg.AMQPURL = getEnv("AMQP_URL", "")
	cfg.AMQPExchange = getEnv("AMQP_EXCHANGE", "secretaria.webhooks")
	cfg.AMQPQueue = getEnv("AMQP_QUEUE", "secretaria.actions")
	cfg.AMQPBinding = getEnv("AMQP_BINDING", "secretaria.actions.*")
	cfg.GoogleClientID = getEnv("GOOGLE_CLIENT_ID", "")
	cfg.GoogleClientSecret = getEnv("GOOGLE_CLIENT_SECRET", "")
	cfg.GoogleRedirectURI = getEnv("GOOGLE_REDIRECT_URI", "")
	return cfg
}

// getEnv returns the value of the environment variable named by key.  If
// the variable is not present or empty then defaultVal is returned.
func getEnv(key string, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}
