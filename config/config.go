// Package config loads immutable runtime configuration from the
// environment (optionally backed by a .env file), with every tunable
// named in the external-interfaces configuration table given a
// documented default.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment
// variables. It is built once at startup and never mutated afterward.
type Config struct {
	// Feed credentials
	FeedAPIKey     string
	FeedClientCode string
	FeedPassword   string
	FeedTOTPSecret string
	FeedWSURL      string

	// Infrastructure
	RedisAddr         string
	RedisPassword     string
	SQLitePath        string
	MetricsAddr       string
	InstrumentsPath   string
	CalendarDir       string
	CheckpointDir     string
	FallbackSpoolPath string

	// Domain tunables (external-interfaces configuration table)
	CandleIntervalMinutes  int
	ATRPeriod              int
	ATRPrecision           int
	TickerCount            int
	WindowFreezeMS         int
	LateTickToleranceMS    int
	MaxRetries             int
	RetryBaseDelaySeconds  int
	HeartbeatSilenceS      int
	SessionMaxAgeHours     int
	WSSubscribeBatchSize   int
	CallbackLatencyWarnUS  float64
	CallbackLatencyMaxUS   float64
	LatencySampleSize      int
	MaxCheckpointFiles     int

	// Reconnect operator
	ReconnectBaseDelaySeconds float64
	ReconnectMaxDelaySeconds  float64
	ReconnectBackoffFactor    float64
	ReconnectMaxAttempts      int
	ReconnectJitter           bool
	ReconnectAlertThreshold   int
}

// Load reads a .env file if present (missing is not an error), then
// reads configuration from environment variables with spec-documented
// defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env load warning: %v", err)
	}

	return &Config{
		FeedAPIKey:     mustEnv("FEED_API_KEY"),
		FeedClientCode: mustEnv("FEED_CLIENT_CODE"),
		FeedPassword:   mustEnv("FEED_PASSWORD"),
		FeedTOTPSecret: mustEnv("FEED_TOTP_SECRET"),
		FeedWSURL:      getEnv("FEED_WS_URL", "wss://feed.example.invalid/stream"),

		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		SQLitePath:        getEnv("SQLITE_PATH", "data/harvester.db"),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9090"),
		InstrumentsPath:   getEnv("INSTRUMENTS_PATH", "config/instruments.json"),
		CalendarDir:       getEnv("CALENDAR_DIR", "config/calendar"),
		CheckpointDir:     getEnv("CHECKPOINT_DIR", "data/checkpoints"),
		FallbackSpoolPath: getEnv("FALLBACK_SPOOL_PATH", "data/unsent_backup.json"),

		CandleIntervalMinutes: getEnvInt("CANDLE_INTERVAL_MINUTES", 5),
		ATRPeriod:             getEnvInt("ATR_PERIOD", 14),
		ATRPrecision:          getEnvInt("ATR_PRECISION", 4),
		TickerCount:           getEnvInt("TICKER_COUNT", 178),
		WindowFreezeMS:        getEnvInt("WINDOW_FREEZE_MS", 500),
		LateTickToleranceMS:   getEnvInt("LATE_TICK_TOLERANCE_MS", 200),
		MaxRetries:            getEnvInt("MAX_RETRIES", 5),
		RetryBaseDelaySeconds: getEnvInt("RETRY_BASE_DELAY_S", 1),
		HeartbeatSilenceS:     getEnvInt("HEARTBEAT_SILENCE_TIMEOUT_S", 30),
		SessionMaxAgeHours:    getEnvInt("SESSION_MAX_AGE_HOURS", 12),
		WSSubscribeBatchSize:  getEnvInt("WS_SUBSCRIBE_BATCH_SIZE", 50),
		CallbackLatencyWarnUS: getEnvFloat("CALLBACK_LATENCY_WARN_US", 500),
		CallbackLatencyMaxUS:  getEnvFloat("CALLBACK_LATENCY_MAX_US", 2000),
		LatencySampleSize:     getEnvInt("LATENCY_SAMPLE_SIZE", 10000),
		MaxCheckpointFiles:    getEnvInt("MAX_CHECKPOINT_FILES", 3),

		ReconnectBaseDelaySeconds: getEnvFloat("RECONNECT_BASE_DELAY_S", 1),
		ReconnectMaxDelaySeconds:  getEnvFloat("RECONNECT_MAX_DELAY_S", 60),
		ReconnectBackoffFactor:    getEnvFloat("RECONNECT_BACKOFF_FACTOR", 2),
		ReconnectMaxAttempts:      getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		ReconnectJitter:           getEnvBool("RECONNECT_JITTER", true),
		ReconnectAlertThreshold:   getEnvInt("RECONNECT_ALERT_THRESHOLD", 3),
	}
}

// CandleInterval returns the candle interval as a time.Duration.
func (c *Config) CandleInterval() time.Duration {
	return time.Duration(c.CandleIntervalMinutes) * time.Minute
}

// WindowFreeze returns the freeze-grace period as a time.Duration.
func (c *Config) WindowFreeze() time.Duration {
	return time.Duration(c.WindowFreezeMS) * time.Millisecond
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return b
}
