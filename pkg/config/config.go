package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string
	RedisAddr   string

	// HTTP surfaces
	Port      string
	AdminPort string

	// OpenAI client settings
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIVisionModel string
	OpenAITemperature float64
	OpenAIMaxTokens   int
	OpenAITimeout     time.Duration

	// Escrow contract node
	EscrowRPCURL  string
	EscrowTimeout time.Duration

	// Job queue settings
	WorkerConcurrency int
	JobMaxRetry       int
	JobTimeout        time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	// Settlement settings
	SettlementMaxAttempts int
	SettlementRetryDelay  time.Duration

	// Moderation settings
	AutoRejectConfidence int
	ModerationRulesPath  string // external YAML overrides; empty = embedded defaults

	// Shared primitives
	AIRateLimit  int // requests per window per key
	AIRateWindow time.Duration
	CacheTTL     time.Duration
	CacheMaxSize int

	// Notifications
	WebhookURL          string
	NotifyBuffer        int
	NotifyAttempts      int
	NotifyRetryDelay    time.Duration
	NotifyDeliveryLimit time.Duration

	// Reconciliation sweep
	ReconcileEnabled  bool
	ReconcileInterval time.Duration
	ReconcileBatch    int

	// Database performance settings
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime int // minutes
	DBReadTimeout     time.Duration
	DBWriteTimeout    time.Duration

	// Monitoring and logging settings
	LogLevel       string
	LogFormat      string // "json" or "text"
	LogOutput      string
	MetricsEnabled bool
}

func Load() *Config {
	concurrency, _ := strconv.Atoi(getEnv("WORKER_CONCURRENCY", "5"))
	jobMaxRetry, _ := strconv.Atoi(getEnv("JOB_MAX_RETRY", "3"))
	jobTimeout, _ := time.ParseDuration(getEnv("JOB_TIMEOUT", "30s"))
	retryBase, _ := time.ParseDuration(getEnv("RETRY_BASE_DELAY", "2s"))
	retryMax, _ := time.ParseDuration(getEnv("RETRY_MAX_DELAY", "5m"))

	settleAttempts, _ := strconv.Atoi(getEnv("SETTLEMENT_MAX_ATTEMPTS", "3"))
	settleDelay, _ := time.ParseDuration(getEnv("SETTLEMENT_RETRY_DELAY", "5s"))

	autoRejectConf, _ := strconv.Atoi(getEnv("AUTO_REJECT_CONFIDENCE", "85"))
	if autoRejectConf < 0 || autoRejectConf > 100 {
		log.Printf("[Warning] AUTO_REJECT_CONFIDENCE out of range (%d), using 85", autoRejectConf)
		autoRejectConf = 85
	}

	aiRateLimit, _ := strconv.Atoi(getEnv("AI_RATE_LIMIT", "60"))
	aiRateWindow, _ := time.ParseDuration(getEnv("AI_RATE_WINDOW", "1m"))
	cacheTTL, _ := time.ParseDuration(getEnv("CACHE_TTL", "1h"))
	cacheMaxSize, _ := strconv.Atoi(getEnv("CACHE_MAX_SIZE", "1000"))

	openAITemp, _ := strconv.ParseFloat(getEnv("OPENAI_TEMPERATURE", "0.1"), 64)
	openAIMaxTokens, _ := strconv.Atoi(getEnv("OPENAI_MAX_TOKENS", "400"))
	openAITimeout, _ := time.ParseDuration(getEnv("OPENAI_REQUEST_TIMEOUT", "60s"))

	escrowTimeout, _ := time.ParseDuration(getEnv("ESCROW_RPC_TIMEOUT", "30s"))

	notifyBuffer, _ := strconv.Atoi(getEnv("NOTIFY_BUFFER", "256"))
	notifyAttempts, _ := strconv.Atoi(getEnv("NOTIFY_ATTEMPTS", "3"))
	notifyDelay, _ := time.ParseDuration(getEnv("NOTIFY_RETRY_DELAY", "5s"))
	notifyLimit, _ := time.ParseDuration(getEnv("NOTIFY_DELIVERY_TIMEOUT", "10s"))

	reconcileEnabled, _ := strconv.ParseBool(getEnv("RECONCILE_ENABLED", "true"))
	reconcileInterval, _ := time.ParseDuration(getEnv("RECONCILE_INTERVAL", "10m"))
	reconcileBatch, _ := strconv.Atoi(getEnv("RECONCILE_BATCH", "100"))

	dbMaxOpenConns, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	dbMaxIdleConns, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "10"))
	dbConnMaxLifetime, _ := strconv.Atoi(getEnv("DB_CONN_MAX_LIFETIME_MINUTES", "10"))
	dbReadTO, _ := time.ParseDuration(getEnv("DB_READ_TIMEOUT", "8s"))
	dbWriteTO, _ := time.ParseDuration(getEnv("DB_WRITE_TIMEOUT", "6s"))

	metricsEnabled, _ := strconv.ParseBool(getEnv("METRICS_ENABLED", "true"))

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", "127.0.0.1:6379"),

		Port:      getEnv("PORT", "8080"),
		AdminPort: getEnv("ADMIN_PORT", "6060"),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIVisionModel: getEnv("OPENAI_VISION_MODEL", "gpt-4o"),
		OpenAITemperature: openAITemp,
		OpenAIMaxTokens:   openAIMaxTokens,
		OpenAITimeout:     openAITimeout,

		EscrowRPCURL:  getEnv("ESCROW_RPC_URL", ""),
		EscrowTimeout: escrowTimeout,

		WorkerConcurrency: concurrency,
		JobMaxRetry:       jobMaxRetry,
		JobTimeout:        jobTimeout,
		RetryBaseDelay:    retryBase,
		RetryMaxDelay:     retryMax,

		SettlementMaxAttempts: settleAttempts,
		SettlementRetryDelay:  settleDelay,

		AutoRejectConfidence: autoRejectConf,
		ModerationRulesPath:  getEnv("MODERATION_RULES_PATH", ""),

		AIRateLimit:  aiRateLimit,
		AIRateWindow: aiRateWindow,
		CacheTTL:     cacheTTL,
		CacheMaxSize: cacheMaxSize,

		WebhookURL:          getEnv("WEBHOOK_URL", ""),
		NotifyBuffer:        notifyBuffer,
		NotifyAttempts:      notifyAttempts,
		NotifyRetryDelay:    notifyDelay,
		NotifyDeliveryLimit: notifyLimit,

		ReconcileEnabled:  reconcileEnabled,
		ReconcileInterval: reconcileInterval,
		ReconcileBatch:    reconcileBatch,

		DBMaxOpenConns:    dbMaxOpenConns,
		DBMaxIdleConns:    dbMaxIdleConns,
		DBConnMaxLifetime: dbConnMaxLifetime,
		DBReadTimeout:     dbReadTO,
		DBWriteTimeout:    dbWriteTO,

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		LogOutput:      getEnv("LOG_OUTPUT", "stdout"),
		MetricsEnabled: metricsEnabled,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
