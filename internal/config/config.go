package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr string

	// cold tier, usage, dedup and migration records
	DBDSN string
	// authoritative tier; must be a different database, both tiers share table names
	AuthoritativeDSN string
	JWTSecret        string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	HotStoreTTL     time.Duration
	HotStoreTimeout time.Duration

	ChatContextWindowSize int
	GenerateTimeout       time.Duration
	DedupTTL              time.Duration

	// AI provider
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OllamaEmbedModel  string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// quota per period; <= 0 is unlimited
	QuotaAnonymous  int64
	QuotaFree       int64
	QuotaPro        int64
	QuotaPeriod     string
	CostPer1KTokens float64

	AnonymousRetention time.Duration
	GCInterval         time.Duration
	MigrationClaimTTL  time.Duration

	// rabbitMQ; an empty URL disables background replication retries
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
	WorkerMaxAttempts int

	LogLevel  string
	LogFormat string
}

func mysqlDSN(database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		"app", "apppass", "127.0.0.1", "3306", database)
}

func defaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/convcache?charset=utf8mb4&parseTime=true&loc=UTC
	v.SetDefault("DB_DSN", mysqlDSN("convcache"))
	v.SetDefault("AUTHORITATIVE_DSN", mysqlDSN("convcache_auth"))
	v.SetDefault("JWT_SECRET", "dev-secret-change-me")

	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("HOTSTORE_TTL", "24h")
	v.SetDefault("HOTSTORE_TIMEOUT", "200ms")

	v.SetDefault("CHAT_CONTEXT_WINDOW_SIZE", 20)
	v.SetDefault("GENERATE_TIMEOUT", "60s")
	v.SetDefault("DEDUP_TTL", "168h")

	v.SetDefault("AI_PROVIDER", "ollama")
	v.SetDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	v.SetDefault("OLLAMA_MODEL", "llama3:latest")
	v.SetDefault("OLLAMA_EMBED_MODEL", "")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("OPENROUTER_API_KEY", "")
	v.SetDefault("OPENROUTER_MODEL", "openrouter/auto")
	v.SetDefault("OPENROUTER_SITE_URL", "")
	v.SetDefault("OPENROUTER_APP_NAME", "")

	v.SetDefault("QUOTA_ANONYMOUS", 50)
	v.SetDefault("QUOTA_FREE", 1000)
	v.SetDefault("QUOTA_PRO", 0)
	v.SetDefault("QUOTA_PERIOD", "month")
	v.SetDefault("COST_PER_1K_TOKENS", 0.002)

	v.SetDefault("ANONYMOUS_RETENTION", "720h")
	v.SetDefault("GC_INTERVAL", "10m")
	v.SetDefault("MIGRATION_CLAIM_TTL", "2m")

	v.SetDefault("RABBIT_URL", "")
	v.SetDefault("RABBIT_QUEUE", "replication_jobs")
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("WORKER_MAX_ATTEMPTS", 5)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads the environment, on top of the optional file named by CONVCACHE_CONFIG.
// Keys in the file use the environment variable names.
func Load() (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONVCACHE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddr:         v.GetString("HTTP_ADDR"),
		DBDSN:            v.GetString("DB_DSN"),
		AuthoritativeDSN: v.GetString("AUTHORITATIVE_DSN"),
		JWTSecret:        v.GetString("JWT_SECRET"),

		RedisAddr:       v.GetString("REDIS_ADDR"),
		RedisPassword:   v.GetString("REDIS_PASSWORD"),
		RedisDB:         v.GetInt("REDIS_DB"),
		HotStoreTTL:     v.GetDuration("HOTSTORE_TTL"),
		HotStoreTimeout: v.GetDuration("HOTSTORE_TIMEOUT"),

		ChatContextWindowSize: v.GetInt("CHAT_CONTEXT_WINDOW_SIZE"),
		GenerateTimeout:       v.GetDuration("GENERATE_TIMEOUT"),
		DedupTTL:              v.GetDuration("DEDUP_TTL"),

		AIProvider:        strings.ToLower(v.GetString("AI_PROVIDER")),
		OllamaBaseURL:     v.GetString("OLLAMA_BASE_URL"),
		OllamaModel:       v.GetString("OLLAMA_MODEL"),
		OllamaEmbedModel:  v.GetString("OLLAMA_EMBED_MODEL"),
		OpenRouterBaseURL: v.GetString("OPENROUTER_BASE_URL"),
		OpenRouterAPIKey:  v.GetString("OPENROUTER_API_KEY"),
		OpenRouterModel:   v.GetString("OPENROUTER_MODEL"),
		OpenRouterSiteURL: v.GetString("OPENROUTER_SITE_URL"),
		OpenRouterAppName: v.GetString("OPENROUTER_APP_NAME"),

		QuotaAnonymous:  v.GetInt64("QUOTA_ANONYMOUS"),
		QuotaFree:       v.GetInt64("QUOTA_FREE"),
		QuotaPro:        v.GetInt64("QUOTA_PRO"),
		QuotaPeriod:     strings.ToLower(v.GetString("QUOTA_PERIOD")),
		CostPer1KTokens: v.GetFloat64("COST_PER_1K_TOKENS"),

		AnonymousRetention: v.GetDuration("ANONYMOUS_RETENTION"),
		GCInterval:         v.GetDuration("GC_INTERVAL"),
		MigrationClaimTTL:  v.GetDuration("MIGRATION_CLAIM_TTL"),

		RabbitURL:         v.GetString("RABBIT_URL"),
		RabbitQueue:       v.GetString("RABBIT_QUEUE"),
		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		WorkerMaxAttempts: v.GetInt("WORKER_MAX_ATTEMPTS"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 2
	}
	if cfg.WorkerConcurrency > 50 {
		cfg.WorkerConcurrency = 50
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.AuthoritativeDSN == "" || c.AuthoritativeDSN == c.DBDSN {
		return fmt.Errorf("AUTHORITATIVE_DSN must name a database other than DB_DSN")
	}
	switch c.QuotaPeriod {
	case "month", "day":
	default:
		return fmt.Errorf("QUOTA_PERIOD must be month or day, got %q", c.QuotaPeriod)
	}
	switch c.AIProvider {
	case "ollama", "openrouter":
	default:
		return fmt.Errorf("unsupported AI_PROVIDER=%q", c.AIProvider)
	}
	if c.AIProvider == "openrouter" && c.OpenRouterAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY required for AI_PROVIDER=openrouter")
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT (json or text).
func NewLogger(c Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
