// Package config loads environment-driven settings for the risk engine.
// Grounded on the teacher's pkg/config/config.go: godotenv-optional load,
// getEnv/getEnvFloat/getEnvInt helpers, a single flat struct returned
// from Load.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting the risk engine reads at
// startup (spec §6's enumerated configuration keys, plus the ambient
// settings SPEC_FULL §10.3 adds).
type Config struct {
	Port string

	// Monitoring (spec §6 monitoring.*)
	MonitoringMode           string // "stream" | "poll"
	MonitoringPollInterval   time.Duration
	MonitoringStaleThreshold time.Duration
	MonitoringResetHour      int
	MonitoringResetMinute    int

	// Action (spec §6 action.closeRetryMax)
	ActionCloseRetryMax  int
	ActionRetryBaseDelay time.Duration

	// Bus (spec §6 bus.messageTtl)
	BusMessageTTL   time.Duration
	BusMaxRetries   int
	BusRetryBackoff time.Duration

	// Coordinator
	QueueDepth      int
	StopGracePeriod time.Duration

	// Venue routing (spec §6 venue.*.baseUrl/demoUrl/useDemo)
	FuturesBaseURL   string
	FuturesDemoURL   string
	FuturesUseDemo   bool
	FuturesStreamURL string
	FuturesRateLimit float64
	SpotBaseURL      string
	SpotDemoURL      string
	SpotUseDemo      bool
	SpotRateLimit    float64

	// Notification relay sidecar (SPEC_FULL §11)
	NotifyRelayAddr    string
	NotifyRelayEnabled bool
	AuditLogPath       string

	// Database
	DBPath string

	// Admin auth
	AdminAPIKey string
	JWTSecret   string

	// VenuesConfigPath points at an optional YAML file overlaying the
	// VENUE_* env vars above with declarative per-venue routing (spec §6
	// venue.*); absent by default since the env vars already cover it.
	VenuesConfigPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "./data/risk-core.db")
	pollInterval := getEnvDuration("MONITORING_POLL_INTERVAL", 10*time.Second)

	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		MonitoringMode:           strings.ToLower(getEnv("MONITORING_MODE", "poll")),
		MonitoringPollInterval:   pollInterval,
		MonitoringStaleThreshold: getEnvDuration("MONITORING_STALE_THRESHOLD", 2*pollInterval),
		MonitoringResetHour:      getEnvInt("MONITORING_RESET_HOUR", 0),
		MonitoringResetMinute:    getEnvInt("MONITORING_RESET_MINUTE", 1),

		ActionCloseRetryMax:  getEnvInt("ACTION_CLOSE_RETRY_MAX", 3),
		ActionRetryBaseDelay: getEnvDuration("ACTION_RETRY_BASE_DELAY", 500*time.Millisecond),

		BusMessageTTL:   getEnvDuration("BUS_MESSAGE_TTL", 5*time.Minute),
		BusMaxRetries:   getEnvInt("BUS_MAX_RETRIES", 3),
		BusRetryBackoff: getEnvDuration("BUS_RETRY_BACKOFF", 200*time.Millisecond),

		QueueDepth:      getEnvInt("COORDINATOR_QUEUE_DEPTH", 64),
		StopGracePeriod: getEnvDuration("COORDINATOR_STOP_GRACE", 30*time.Second),

		FuturesBaseURL:   getEnv("VENUE_FUTURES_BASE_URL", "https://fapi.binance.com"),
		FuturesDemoURL:   getEnv("VENUE_FUTURES_DEMO_URL", "https://testnet.binancefuture.com"),
		FuturesUseDemo:   getEnv("VENUE_FUTURES_USE_DEMO", "true") == "true",
		FuturesStreamURL: os.Getenv("VENUE_FUTURES_STREAM_URL"),
		FuturesRateLimit: getEnvFloat("VENUE_FUTURES_RATE_LIMIT", 20),
		SpotBaseURL:      getEnv("VENUE_SPOT_BASE_URL", "https://api.binance.com"),
		SpotDemoURL:      getEnv("VENUE_SPOT_DEMO_URL", "https://testnet.binance.vision"),
		SpotUseDemo:      getEnv("VENUE_SPOT_USE_DEMO", "true") == "true",
		SpotRateLimit:    getEnvFloat("VENUE_SPOT_RATE_LIMIT", 10),

		NotifyRelayAddr:    getEnv("NOTIFY_RELAY_ADDR", ""),
		NotifyRelayEnabled: getEnv("NOTIFY_RELAY_ENABLED", "false") == "true",
		AuditLogPath:       getEnv("AUDIT_LOG_PATH", "./data/notification_audit.log"),

		DBPath: dbPath,

		AdminAPIKey: getEnv("ADMIN_API_KEY", "dev-admin-key"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),

		VenuesConfigPath: getEnv("VENUES_CONFIG_PATH", "venues.yaml"),
	}

	routing, err := LoadVenueRouting(cfg.VenuesConfigPath)
	if err != nil {
		return nil, err
	}
	routing.Apply(cfg)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
