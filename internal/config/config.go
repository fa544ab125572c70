// Package config loads and validates the process configuration from
// environment variables. Validation is fail-fast: any violation logs the
// offending field and exits the process with status 1; a partially valid
// configuration is never handed to the rest of the system.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the fully validated, immutable process configuration. A loaded
// Config is safe to share across goroutines; hot-reloadable risk parameters
// live in a separate, smaller struct (see internal/config/hotreload.go) that
// is swapped atomically rather than mutating this one.
type Config struct {
	// Credentials
	BrokerAPIKey    string
	BrokerAPISecret string
	HMACSecret      string

	// Risk
	MaxRiskPct      float64
	Phase1RiskPct   float64
	Phase2RiskPct   float64

	// Execution
	MakerFeePct      float64
	TakerFeePct      float64
	RateLimitPerSec  int

	// Validation
	MinStructureThreshold float64
	MaxSpreadPct          float64
	MaxSlippagePct        float64
	WSCacheMaxAgeMs       int

	// Safety
	MaxConsecutiveLosses        int
	MaxDailyDrawdownPct         float64
	MaxWeeklyDrawdownPct        float64
	CircuitBreakerCooldownHours float64
	ZScoreSafetyThreshold       float64
	DrawdownVelocityThreshold   float64

	// Replay
	MaxTimestampDriftMs int
	SignalCacheTTLMs    int

	// Enums
	DatabaseType string
	LogLevel     string

	// Server / misc, defaulted rather than fail-fast.
	HTTPAddr            string
	AllowedSourceHeaders []string
	RedisAddr           string
	ReconcileEpsilon    float64

	// Operational tunables, defaulted rather than fail-fast: an operator
	// relying on the documented defaults shouldn't be forced to set every
	// one of them.
	StartingEquity float64

	HeartbeatExpectedIntervalMs int
	HeartbeatCheckIntervalMs    int
	HeartbeatMaxMissed          int

	ReconcileIntervalMs int

	DriftPnLWindowSize  int
	DriftExpectedMean   float64
	DriftExpectedStdev  float64
	DrawdownWindowMs    int

	AssetWhitelist      []string // empty disables whitelist enforcement
	FundingGreedCeiling float64
	FundingFearFloor    float64

	ConsoleMaxClients         int
	ConsoleHeartbeatMs        int
	ConsoleSnapshotMs         int
	ConsoleBatchMs            int
	ConsoleMaxBatchSize       int
	ConsoleCompressAboveBytes int

	MarketDataFeedURL string
	BrokerBaseURL     string
	RiskConfigPath    string
	OBIDepth          int

	BrokerMaxRetries   int
	BrokerBackoffMinMs int
	BrokerBackoffMaxMs int

	DatabaseDSN string
}

type fieldError struct {
	field string
	msg   string
}

// Load reads .env (if present), then environment variables, validates
// every constraint, and returns the result. On any validation failure it
// logs every offending field and calls os.Exit(1): the process cannot
// safely continue with invalid risk or credential settings.
func Load(log zerolog.Logger) Config {
	_ = godotenv.Load() // optional; missing .env is not an error

	var errs []fieldError
	get := func(key string) string { return os.Getenv(key) }

	reqStr := func(key string, minLen int) string {
		v := get(key)
		if len(v) < minLen {
			errs = append(errs, fieldError{key, fmt.Sprintf("must be at least %d characters", minLen)})
		}
		return v
	}
	floatInRange := func(key string, def, min, max float64, required bool) float64 {
		v := get(key)
		if v == "" {
			if required {
				errs = append(errs, fieldError{key, "is required"})
			}
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fieldError{key, "must be a number"})
			return def
		}
		if f < min || f > max {
			errs = append(errs, fieldError{key, fmt.Sprintf("must be in [%v,%v]", min, max)})
		}
		return f
	}
	intInRange := func(key string, def, min, max int) int {
		v := get(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fieldError{key, "must be an integer"})
			return def
		}
		if n < min || n > max {
			errs = append(errs, fieldError{key, fmt.Sprintf("must be in [%d,%d]", min, max)})
		}
		return n
	}
	oneOf := func(key, def string, allowed ...string) string {
		v := get(key)
		if v == "" {
			return def
		}
		for _, a := range allowed {
			if v == a {
				return v
			}
		}
		errs = append(errs, fieldError{key, fmt.Sprintf("must be one of %v", allowed)})
		return def
	}

	cfg := Config{
		BrokerAPIKey:    get("BROKER_API_KEY"),
		BrokerAPISecret: get("BROKER_API_SECRET"),
		HMACSecret:      reqStr("HMAC_SECRET", 32),

		MaxRiskPct:    floatInRange("MAX_RISK_PCT", 0.02, 0.01, 0.20, true),
		Phase1RiskPct: floatInRange("PHASE_1_RISK_PCT", 0.01, 0.01, 0.50, true),
		Phase2RiskPct: floatInRange("PHASE_2_RISK_PCT", 0.02, 0.01, 0.50, true),

		// MAKER_FEE_PCT has no confirmed authoritative default; nothing is
		// asserted here beyond 0, the operator must set it explicitly. See
		// DESIGN.md.
		MakerFeePct:     floatInRange("MAKER_FEE_PCT", 0, 0, 1, false),
		TakerFeePct:     floatInRange("TAKER_FEE_PCT", 0.0006, 0, 0.01, true),
		RateLimitPerSec: intInRange("RATE_LIMIT_PER_SEC", 10, 1, 50),

		MinStructureThreshold: floatInRange("MIN_STRUCTURE_THRESHOLD", 60, 0, 100, false),
		MaxSpreadPct:          floatInRange("MAX_SPREAD_PCT", 0.1, 0, 100, false),
		MaxSlippagePct:        floatInRange("MAX_SLIPPAGE_PCT", 0.1, 0, 100, false),
		WSCacheMaxAgeMs:       intInRange("WS_CACHE_MAX_AGE_MS", 100, 10, 1000),

		MaxConsecutiveLosses:        intInRange("MAX_CONSECUTIVE_LOSSES", 3, 1, 1000),
		MaxDailyDrawdownPct:         floatInRange("MAX_DAILY_DRAWDOWN_PCT", 5, 0, 100, false),
		MaxWeeklyDrawdownPct:        floatInRange("MAX_WEEKLY_DRAWDOWN_PCT", 10, 0, 100, false),
		CircuitBreakerCooldownHours: floatInRange("CIRCUIT_BREAKER_COOLDOWN_HOURS", 4, 0, 168, false),
		ZScoreSafetyThreshold:       negativeOrZero(floatInRange("ZSCORE_SAFETY_THRESHOLD", -2.0, -100, 0, false), &errs, "ZSCORE_SAFETY_THRESHOLD"),
		DrawdownVelocityThreshold:   floatInRange("DRAWDOWN_VELOCITY_THRESHOLD", 0.02, 0, 1, false),

		MaxTimestampDriftMs: intInRange("MAX_TIMESTAMP_DRIFT_MS", 5000, 1000, 30000),
		SignalCacheTTLMs:    intInRange("SIGNAL_CACHE_TTL_MS", 300_000, 1000, 3_600_000),

		DatabaseType: oneOf("DATABASE_TYPE", "sqlite", "postgres", "sqlite"),
		LogLevel:     oneOf("LOG_LEVEL", "info", "trace", "debug", "info", "warn", "error", "fatal"),

		HTTPAddr:            envOr("HTTP_ADDR", ":8080"),
		RedisAddr:           envOr("REDIS_ADDR", ""),
		ReconcileEpsilon:    floatInRange("RECONCILE_SIZE_EPSILON", 0, 0, 1_000_000, false),

		StartingEquity: floatInRange("STARTING_EQUITY", 500, 0, 1_000_000_000, false),

		HeartbeatExpectedIntervalMs: intInRange("HEARTBEAT_EXPECTED_INTERVAL_MS", 30_000, 100, 3_600_000),
		HeartbeatCheckIntervalMs:    intInRange("HEARTBEAT_CHECK_INTERVAL_MS", 5_000, 100, 3_600_000),
		HeartbeatMaxMissed:          intInRange("HEARTBEAT_MAX_MISSED", 3, 1, 100),

		ReconcileIntervalMs: intInRange("RECONCILE_INTERVAL_MS", 5_000, 100, 3_600_000),

		DriftPnLWindowSize: intInRange("DRIFT_PNL_WINDOW_SIZE", 20, 1, 10_000),
		DriftExpectedMean:  floatInRange("DRIFT_EXPECTED_MEAN", 0, -1_000_000, 1_000_000, false),
		DriftExpectedStdev: floatInRange("DRIFT_EXPECTED_STDEV", 1, 0, 1_000_000, false),
		DrawdownWindowMs:   intInRange("DRAWDOWN_TIME_WINDOW_MS", 300_000, 1_000, 86_400_000),

		FundingGreedCeiling: floatInRange("FUNDING_GREED_CEILING", 0, -1_000_000, 1_000_000, false),
		FundingFearFloor:    floatInRange("FUNDING_FEAR_FLOOR", 0, -1_000_000, 1_000_000, false),

		ConsoleMaxClients:         intInRange("CONSOLE_MAX_CLIENTS", 50, 1, 100_000),
		ConsoleHeartbeatMs:        intInRange("CONSOLE_HEARTBEAT_INTERVAL_MS", 15_000, 100, 3_600_000),
		ConsoleSnapshotMs:         intInRange("CONSOLE_SNAPSHOT_INTERVAL_MS", 1_000, 50, 3_600_000),
		ConsoleBatchMs:            intInRange("CONSOLE_BATCH_INTERVAL_MS", 250, 10, 60_000),
		ConsoleMaxBatchSize:       intInRange("CONSOLE_MAX_BATCH_SIZE", 50, 1, 10_000),
		ConsoleCompressAboveBytes: intInRange("CONSOLE_COMPRESS_ABOVE_BYTES", 2048, 0, 10_000_000),

		MarketDataFeedURL: envOr("MARKET_DATA_FEED_URL", ""),
		BrokerBaseURL:     envOr("BROKER_BASE_URL", ""),
		RiskConfigPath:    envOr("RISK_CONFIG_PATH", "risk.yaml"),
		OBIDepth:          intInRange("OBI_DEPTH", 10, 1, 1000),

		BrokerMaxRetries:   intInRange("BROKER_MAX_RETRIES", 3, 0, 20),
		BrokerBackoffMinMs: intInRange("BROKER_BACKOFF_MIN_MS", 100, 1, 60_000),
		BrokerBackoffMaxMs: intInRange("BROKER_BACKOFF_MAX_MS", 2_000, 1, 300_000),

		DatabaseDSN: envOr("DATABASE_DSN", "execution_core.db"),
	}

	sources := envOr("ALLOWED_SOURCE_HEADERS", "titan-alerts")
	cfg.AllowedSourceHeaders = strings.Split(sources, ",")

	if wl := envOr("ASSET_WHITELIST", ""); wl != "" {
		cfg.AssetWhitelist = strings.Split(wl, ",")
	}

	if len(errs) > 0 {
		for _, e := range errs {
			log.Error().Str("field", e.field).Msg("config validation failed: " + e.msg)
		}
		log.Fatal().Int("violations", len(errs)).Msg("refusing to start with invalid configuration")
		os.Exit(1)
	}

	log.Info().
		Str("broker_api_key", mask(cfg.BrokerAPIKey)).
		Str("hmac_secret", mask(cfg.HMACSecret)).
		Str("database_type", cfg.DatabaseType).
		Str("log_level", cfg.LogLevel).
		Int("rate_limit_per_sec", cfg.RateLimitPerSec).
		Msg("configuration loaded")

	return cfg
}

func negativeOrZero(v float64, errs *[]fieldError, key string) float64 {
	if v > 0 {
		*errs = append(*errs, fieldError{key, "must be <= 0"})
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
