package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MemoryDatabaseURL selects the in-memory stores instead of PostgreSQL.
const MemoryDatabaseURL = "memory"

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	BrokerDSN    string   `mapstructure:"BROKER_DSN"`
	LockBackend  string   `mapstructure:"LOCK_BACKEND"`
	RedisURL     string   `mapstructure:"REDIS_URL"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	RulesDir   string `mapstructure:"RULES_DIR"`
	RulesWatch bool   `mapstructure:"RULES_WATCH"`

	SyncBatchSize  int           `mapstructure:"SYNC_BATCH_SIZE"`
	SyncMaxBatches int           `mapstructure:"SYNC_MAX_BATCHES"`
	SyncMaxRetries int           `mapstructure:"SYNC_MAX_RETRIES"`
	SyncJobTimeout time.Duration `mapstructure:"SYNC_JOB_TIMEOUT"`
	RetryBaseDelay time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay  time.Duration `mapstructure:"RETRY_MAX_DELAY"`

	LaneSyncConcurrency      int `mapstructure:"LANE_SYNC_CONCURRENCY"`
	LaneWebhookConcurrency   int `mapstructure:"LANE_WEBHOOK_CONCURRENCY"`
	LaneConflictConcurrency  int `mapstructure:"LANE_CONFLICT_CONCURRENCY"`
	LaneTransformConcurrency int `mapstructure:"LANE_TRANSFORM_CONCURRENCY"`

	DefaultConflictStrategy   string `mapstructure:"DEFAULT_CONFLICT_STRATEGY"`
	ConflictStrategyOverrides string `mapstructure:"CONFLICT_STRATEGY_OVERRIDES"`
	SeverityOverrides         string `mapstructure:"SEVERITY_OVERRIDES"`

	WebhookSignatureAlgorithm string        `mapstructure:"WEBHOOK_SIGNATURE_ALGORITHM"`
	WebhookMaxAttempts        int           `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookTimeout            time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookSecretGrace        time.Duration `mapstructure:"WEBHOOK_SECRET_GRACE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BROKER_DSN", "LOCK_BACKEND", "REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"RULES_DIR", "RULES_WATCH",
	"SYNC_BATCH_SIZE", "SYNC_MAX_BATCHES", "SYNC_MAX_RETRIES", "SYNC_JOB_TIMEOUT",
	"RETRY_BASE_DELAY", "RETRY_MAX_DELAY",
	"LANE_SYNC_CONCURRENCY", "LANE_WEBHOOK_CONCURRENCY",
	"LANE_CONFLICT_CONCURRENCY", "LANE_TRANSFORM_CONCURRENCY",
	"DEFAULT_CONFLICT_STRATEGY", "CONFLICT_STRATEGY_OVERRIDES", "SEVERITY_OVERRIDES",
	"WEBHOOK_SIGNATURE_ALGORITHM", "WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_TIMEOUT", "WEBHOOK_SECRET_GRACE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	v.SetDefault("BROKER_DSN", "memory://")
	v.SetDefault("LOCK_BACKEND", "memory")
	v.SetDefault("KAFKA_TOPIC", "ehr-sync.jobs")
	v.SetDefault("RULES_DIR", "./rules")
	v.SetDefault("RULES_WATCH", true)

	v.SetDefault("SYNC_BATCH_SIZE", 100)
	v.SetDefault("SYNC_MAX_BATCHES", 1000)
	v.SetDefault("SYNC_MAX_RETRIES", 3)
	v.SetDefault("SYNC_JOB_TIMEOUT", "30m")
	v.SetDefault("RETRY_BASE_DELAY", "2s")
	v.SetDefault("RETRY_MAX_DELAY", "5m")

	v.SetDefault("LANE_SYNC_CONCURRENCY", 5)
	v.SetDefault("LANE_WEBHOOK_CONCURRENCY", 10)
	v.SetDefault("LANE_CONFLICT_CONCURRENCY", 3)
	v.SetDefault("LANE_TRANSFORM_CONCURRENCY", 2)

	v.SetDefault("DEFAULT_CONFLICT_STRATEGY", "last-write-wins")
	v.SetDefault("WEBHOOK_SIGNATURE_ALGORITHM", "hmac-sha256")
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("WEBHOOK_SECRET_GRACE", "24h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}
	if cfg.KafkaBrokers == nil {
		cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); dev auth grants admin to every request")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesMemoryStore reports whether repositories should be in-memory.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == MemoryDatabaseURL
}

var validStrategies = map[string]bool{
	"last-write-wins": true, "first-write-wins": true, "local-wins": true,
	"remote-wins": true, "merge": true, "manual": true,
}

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

var validAlgorithms = map[string]bool{"hmac-sha256": true, "hmac-sha512": true}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set outside development (ENV=%q)", c.Env)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}
	if c.SyncMaxRetries < 1 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be at least 1, got %d", c.SyncMaxRetries)
	}
	if c.SyncJobTimeout <= 0 {
		return fmt.Errorf("SYNC_JOB_TIMEOUT must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	for name, n := range map[string]int{
		"LANE_SYNC_CONCURRENCY":      c.LaneSyncConcurrency,
		"LANE_WEBHOOK_CONCURRENCY":   c.LaneWebhookConcurrency,
		"LANE_CONFLICT_CONCURRENCY":  c.LaneConflictConcurrency,
		"LANE_TRANSFORM_CONCURRENCY": c.LaneTransformConcurrency,
	} {
		if n < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, n)
		}
	}
	if !validStrategies[c.DefaultConflictStrategy] {
		return fmt.Errorf("DEFAULT_CONFLICT_STRATEGY %q is not a built-in strategy", c.DefaultConflictStrategy)
	}
	if _, err := c.StrategyOverrides(); err != nil {
		return err
	}
	if _, err := c.SeverityOverrideMap(); err != nil {
		return err
	}
	if !validAlgorithms[c.WebhookSignatureAlgorithm] {
		return fmt.Errorf("WEBHOOK_SIGNATURE_ALGORITHM must be hmac-sha256 or hmac-sha512, got %q", c.WebhookSignatureAlgorithm)
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.WebhookMaxAttempts)
	}
	if c.LockBackend != "memory" && c.LockBackend != "redis" {
		return fmt.Errorf("LOCK_BACKEND must be memory or redis, got %q", c.LockBackend)
	}
	if c.LockBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND=redis")
	}
	return nil
}

// StrategyOverrides parses CONFLICT_STRATEGY_OVERRIDES ("allergy=manual,observation=first-write-wins").
// Values naming a custom resolver ("custom:<name>") are passed through.
func (c *Config) StrategyOverrides() (map[string]string, error) {
	m, err := parsePairs(c.ConflictStrategyOverrides)
	if err != nil {
		return nil, fmt.Errorf("CONFLICT_STRATEGY_OVERRIDES: %w", err)
	}
	for entity, strategy := range m {
		if !validStrategies[strategy] && !strings.HasPrefix(strategy, "custom:") {
			return nil, fmt.Errorf("CONFLICT_STRATEGY_OVERRIDES: unknown strategy %q for %s", strategy, entity)
		}
	}
	return m, nil
}

// SeverityOverrideMap parses SEVERITY_OVERRIDES. Keys are an entity type
// ("encounter=low") or an entity field path ("patient.telecom=high").
func (c *Config) SeverityOverrideMap() (map[string]string, error) {
	m, err := parsePairs(c.SeverityOverrides)
	if err != nil {
		return nil, fmt.Errorf("SEVERITY_OVERRIDES: %w", err)
	}
	for key, sev := range m {
		if !validSeverities[sev] {
			return nil, fmt.Errorf("SEVERITY_OVERRIDES: unknown severity %q for %s", sev, key)
		}
	}
	return m, nil
}

func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(raw) {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed entry %q, want key=value", item)
		}
		out[k] = v
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
