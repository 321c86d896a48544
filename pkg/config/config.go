package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the orchestration core.
type Config struct {
	Port string

	// Database
	DBPath     string
	DBPoolSize int

	// Credential encryption (AES-256, base64 encoded 32-byte key). Required.
	EncryptionKey []byte

	// Auth
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// HTTP
	CORSOrigins []string

	// Bot engines
	DefaultCheckInterval time.Duration
	EngineStopGrace      time.Duration

	// Jobs
	WorkerCount   int
	WorkerPoll    time.Duration
	SchedulerTick time.Duration

	// Market data
	TickerSymbols        []string
	TickerPoll           time.Duration
	UseTestnetMarketData bool

	// Strategy seed templates (YAML). Empty skips seeding.
	StrategySeedPath string
}

var ErrEncryptionKeyMissing = errors.New("MASTER_ENCRYPTION_KEY is required (base64, 32 bytes)")

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	rawKey := os.Getenv("MASTER_ENCRYPTION_KEY")
	if rawKey == "" {
		return nil, ErrEncryptionKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil || len(key) != 32 {
		return nil, ErrEncryptionKeyMissing
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/botcore.db"),
		DBPoolSize:           getEnvInt("DB_POOL_SIZE", 1),
		EncryptionKey:        key,
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		AccessTokenTTL:       time.Duration(getEnvInt("JWT_ACCESS_TTL_MIN", 30)) * time.Minute,
		RefreshTokenTTL:      time.Duration(getEnvInt("JWT_REFRESH_TTL_DAYS", 7)) * 24 * time.Hour,
		CORSOrigins:          splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		DefaultCheckInterval: time.Duration(getEnvInt("BOT_CHECK_INTERVAL_SEC", 10)) * time.Second,
		EngineStopGrace:      time.Duration(getEnvInt("BOT_STOP_GRACE_SEC", 10)) * time.Second,
		WorkerCount:          getEnvInt("WORKER_COUNT", 4),
		WorkerPoll:           time.Duration(getEnvInt("WORKER_POLL_MS", 1000)) * time.Millisecond,
		SchedulerTick:        time.Duration(getEnvInt("SCHEDULER_TICK_SEC", 30)) * time.Second,
		TickerSymbols:        splitAndTrim(getEnv("TICKER_SYMBOLS", "BTCUSDT,ETHUSDT")),
		TickerPoll:           time.Duration(getEnvInt("TICKER_POLL_SEC", 2)) * time.Second,
		UseTestnetMarketData: getEnv("MARKET_DATA_TESTNET", "false") == "true",
		StrategySeedPath:     getEnv("STRATEGY_SEED_PATH", "strategies.yaml"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
