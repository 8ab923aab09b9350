package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Flip policies applied when a signal arrives opposite an open position.
const (
	FlipReverse   = "reverse"
	FlipCloseOnly = "close_only"
)

// Config holds environment-driven settings for the signal core.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// Database
	DBPath   string
	SeedFile string

	// Auth
	JWTSecret string

	// Dispatcher
	SlotWait               time.Duration
	ExecutionTimeout       time.Duration
	DispatchWorkers        int
	FlipPolicy             string
	WebhookResponseTimeout time.Duration
	WebhookRatePerMinute   int

	// Market data
	MarketDataTimeout time.Duration
	PriceCacheTTL     time.Duration
	UseMockFeed       bool
	MockSymbols       []string
	BinanceTestnet    bool

	// Trailing-stop monitor
	MonitorInterval         time.Duration
	MonitorParallelism      int
	MonitorFailureThreshold int
	MonitorFixedExits       bool

	// Health
	HealthInterval time.Duration
	GRPCHealthAddr string

	// Email notifications
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/signal.db")
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DBPath:   dbPath,
		SeedFile: getEnv("SEED_FILE", ""),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		SlotWait:               getEnvDuration("SLOT_WAIT", 15*time.Second),
		ExecutionTimeout:       getEnvDuration("EXECUTION_TIMEOUT", 10*time.Second),
		DispatchWorkers:        getEnvInt("DISPATCH_WORKERS", 8),
		FlipPolicy:             strings.ToLower(getEnv("FLIP_POLICY", FlipReverse)),
		WebhookResponseTimeout: getEnvDuration("WEBHOOK_RESPONSE_TIMEOUT", 20*time.Second),
		WebhookRatePerMinute:   getEnvInt("WEBHOOK_RATE_PER_MINUTE", 60),

		MarketDataTimeout: getEnvDuration("MARKET_DATA_TIMEOUT", 5*time.Second),
		PriceCacheTTL:     getEnvDuration("PRICE_CACHE_TTL", 2*time.Second),
		UseMockFeed:       getEnvBool("USE_MOCK_FEED", false),
		MockSymbols:       splitAndTrim(getEnv("MOCK_SYMBOLS", "BTCUSDT,ETHUSDT")),
		BinanceTestnet:    getEnvBool("BINANCE_TESTNET", false),

		MonitorInterval:         getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
		MonitorParallelism:      getEnvInt("MONITOR_PARALLELISM", 4),
		MonitorFailureThreshold: getEnvInt("MONITOR_FAILURE_THRESHOLD", 3),
		MonitorFixedExits:       getEnvBool("MONITOR_FIXED_EXITS", false),

		HealthInterval: getEnvDuration("HEALTH_INTERVAL", 5*time.Minute),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     getEnv("SMTP_FROM", "signals@localhost"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"SLOT_WAIT":                c.SlotWait,
		"EXECUTION_TIMEOUT":        c.ExecutionTimeout,
		"WEBHOOK_RESPONSE_TIMEOUT": c.WebhookResponseTimeout,
		"MARKET_DATA_TIMEOUT":      c.MarketDataTimeout,
		"MONITOR_INTERVAL":         c.MonitorInterval,
		"HEALTH_INTERVAL":          c.HealthInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.MonitorParallelism < 1 {
		errs = append(errs, fmt.Errorf("MONITOR_PARALLELISM must be >= 1, got %d", c.MonitorParallelism))
	}
	if c.DispatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be >= 1, got %d", c.DispatchWorkers))
	}
	if c.MonitorFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("MONITOR_FAILURE_THRESHOLD must be >= 1, got %d", c.MonitorFailureThreshold))
	}
	if c.WebhookRatePerMinute < 1 {
		errs = append(errs, fmt.Errorf("WEBHOOK_RATE_PER_MINUTE must be >= 1, got %d", c.WebhookRatePerMinute))
	}
	if c.FlipPolicy != FlipReverse && c.FlipPolicy != FlipCloseOnly {
		errs = append(errs, fmt.Errorf("FLIP_POLICY must be %q or %q, got %q", FlipReverse, FlipCloseOnly, c.FlipPolicy))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
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

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
