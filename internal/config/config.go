// Package config loads pricewatch runtime configuration from the environment,
// an optional .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when required settings are missing or malformed.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultUserAgent is sent to storefront endpoints that reject non-browser clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config is the root configuration tree.
type Config struct {
	Database     DatabaseConfig
	Redis        RedisConfig
	HTTP         HTTPConfig
	Prices       PricesConfig
	RateLimit    RateLimitConfig
	Jobs         JobsConfig
	Leader       LeaderConfig
	Notify       NotifyConfig
	Logging      LoggingConfig
	Ops          OpsConfig
	TrackedItems []int64
}

// DatabaseConfig sizes the relational pool independently of HTTP concurrency.
type DatabaseConfig struct {
	DSN             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`
	MigrateOnStart  bool          `env:"MIGRATE_ON_START,default=true"`
}

// RedisConfig enables the shared coordination store when URL is set.
type RedisConfig struct {
	URL       string        `env:"REDIS_URL"`
	KeyPrefix string        `env:"REDIS_KEY_PREFIX,default=pricewatch:"`
	OpTimeout time.Duration `env:"REDIS_OP_TIMEOUT,default=3s"`
	PoolSize  int           `env:"REDIS_POOL_SIZE,default=10"`
}

// HTTPConfig configures the resilient outbound client.
type HTTPConfig struct {
	Timeout     time.Duration `env:"HTTP_TIMEOUT,default=30s"`
	Concurrency int           `env:"HTTP_CONCURRENCY,default=5"`
	MaxRetries  int           `env:"HTTP_MAX_RETRIES,default=3"`
	BaseDelay   time.Duration `env:"HTTP_BASE_DELAY,default=1s"`
	MaxDelay    time.Duration `env:"HTTP_MAX_DELAY,default=60s"`
	Jitter      bool          `env:"HTTP_JITTER,default=false"`
	UserAgent   string        `env:"HTTP_USER_AGENT"`
}

// PricesConfig points the fetcher at the storefront endpoint.
type PricesConfig struct {
	APIURL   string        `env:"PRICE_API_URL,default=https://store.steampowered.com/api/appdetails"`
	Region   string        `env:"PRICE_REGION,default=us"`
	CacheTTL time.Duration `env:"CACHE_TTL_PRICE,default=1h"`
}

// RateLimitConfig bounds calls to the external price API.
type RateLimitConfig struct {
	Key         string        `env:"RATE_LIMIT_KEY,default=external-api"`
	MaxRequests int           `env:"RATE_LIMIT_REQUESTS,default=100"`
	Window      time.Duration `env:"RATE_LIMIT_WINDOW,default=5m"`
	MaxWait     time.Duration `env:"RATE_LIMIT_MAX_WAIT,default=60s"`
}

// JobsConfig holds the three periodic job schedules and their batch knobs.
type JobsConfig struct {
	RefreshSchedule   string        `env:"REFRESH_SCHEDULE,default=@every 12h"`
	NotifySchedule    string        `env:"NOTIFY_SCHEDULE,default=@every 6h"`
	CleanupSchedule   string        `env:"CLEANUP_SCHEDULE,default=0 3 * * *"`
	RefreshBatchLimit int           `env:"REFRESH_BATCH_LIMIT,default=500"`
	RefreshWorkers    int           `env:"REFRESH_WORKERS,default=5"`
	RefreshPacing     time.Duration `env:"REFRESH_PACING,default=2s"`
	ItemTimeout       time.Duration `env:"ITEM_TIMEOUT,default=30s"`
	RetentionDays     int           `env:"RETENTION_DAYS,default=730"`
}

// LeaderConfig configures the scheduler lease.
type LeaderConfig struct {
	LeaseName         string        `env:"LEADER_LEASE_NAME,default=pricewatch-scheduler"`
	LeaseTTL          time.Duration `env:"LEADER_LEASE_TTL,default=30s"`
	HeartbeatInterval time.Duration `env:"LEADER_HEARTBEAT_INTERVAL,default=10s"`
}

// NotifyConfig selects the notification sink.
type NotifyConfig struct {
	CooldownHours    int           `env:"NOTIFY_COOLDOWN_HOURS,default=24"`
	DefaultThreshold int           `env:"DEFAULT_NOTIFY_THRESHOLD,default=50"`
	SweepLockTTL     time.Duration `env:"NOTIFY_SWEEP_LOCK_TTL,default=10m"`
	Sink             string        `env:"NOTIFY_SINK,default=log"`
	WebhookURL       string        `env:"NOTIFY_WEBHOOK_URL"`
	KafkaBrokers     string        `env:"KAFKA_BROKERS"`
	KafkaTopic       string        `env:"KAFKA_NOTIFY_TOPIC,default=discount_notifications"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info"`
	Format     string `env:"LOG_FORMAT,default=text"`
	Output     string `env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"LOG_FILE_PREFIX,default=pricewatch"`
}

// OpsConfig configures the operational HTTP listener.
type OpsConfig struct {
	Addr         string  `env:"OPS_ADDR,default=:8080"`
	RequestsPerS float64 `env:"OPS_RATE_LIMIT,default=20"`
	Burst        int     `env:"OPS_RATE_BURST,default=40"`
}

// fileOverlay is the shape of the optional YAML file named by PRICEWATCH_CONFIG.
type fileOverlay struct {
	TrackedItems []int64 `yaml:"tracked_items"`
	Schedules    struct {
		Refresh string `yaml:"refresh"`
		Notify  string `yaml:"notify"`
		Cleanup string `yaml:"cleanup"`
	} `yaml:"schedules"`
}

// Load reads .env (if present), decodes the environment, applies the YAML
// overlay named by PRICEWATCH_CONFIG and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.HTTP.UserAgent == "" {
		cfg.HTTP.UserAgent = DefaultUserAgent
	}

	items, err := ParseItemList(os.Getenv("TRACKED_ITEMS"))
	if err != nil {
		return nil, fmt.Errorf("%w: TRACKED_ITEMS: %v", ErrInvalidConfig, err)
	}
	cfg.TrackedItems = items

	if path := strings.TrimSpace(os.Getenv("PRICEWATCH_CONFIG")); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile merges the YAML overlay at path: tracked items are appended and
// non-empty schedules replace the environment values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}

	c.TrackedItems = mergeItems(c.TrackedItems, overlay.TrackedItems)
	if s := strings.TrimSpace(overlay.Schedules.Refresh); s != "" {
		c.Jobs.RefreshSchedule = s
	}
	if s := strings.TrimSpace(overlay.Schedules.Notify); s != "" {
		c.Jobs.NotifySchedule = s
	}
	if s := strings.TrimSpace(overlay.Schedules.Cleanup); s != "" {
		c.Jobs.CleanupSchedule = s
	}
	return nil
}

// Validate reports the first configuration problem that should stop startup.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.HTTP.Concurrency <= 0 {
		problems = append(problems, "HTTP_CONCURRENCY must be positive")
	}
	if c.HTTP.MaxRetries < 0 {
		problems = append(problems, "HTTP_MAX_RETRIES must not be negative")
	}
	if c.HTTP.BaseDelay <= 0 || c.HTTP.MaxDelay < c.HTTP.BaseDelay {
		problems = append(problems, "HTTP_BASE_DELAY must be positive and not exceed HTTP_MAX_DELAY")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		problems = append(problems, "RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	if c.Leader.LeaseTTL <= 0 || c.Leader.HeartbeatInterval <= 0 || c.Leader.HeartbeatInterval >= c.Leader.LeaseTTL {
		problems = append(problems, "LEADER_HEARTBEAT_INTERVAL must be positive and shorter than LEADER_LEASE_TTL")
	}
	if c.Jobs.RetentionDays <= 0 {
		problems = append(problems, "RETENTION_DAYS must be positive")
	}
	if c.Notify.DefaultThreshold < 0 || c.Notify.DefaultThreshold > 100 {
		problems = append(problems, "DEFAULT_NOTIFY_THRESHOLD must be between 0 and 100")
	}
	if c.Notify.CooldownHours <= 0 {
		problems = append(problems, "NOTIFY_COOLDOWN_HOURS must be positive")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"REFRESH_SCHEDULE": c.Jobs.RefreshSchedule,
		"NOTIFY_SCHEDULE":  c.Jobs.NotifySchedule,
		"CLEANUP_SCHEDULE": c.Jobs.CleanupSchedule,
	} {
		if _, err := parser.Parse(spec); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q: %v", name, spec, err))
		}
	}

	switch strings.ToLower(c.Notify.Sink) {
	case "log", "":
	case "webhook":
		if strings.TrimSpace(c.Notify.WebhookURL) == "" {
			problems = append(problems, "NOTIFY_WEBHOOK_URL is required for the webhook sink")
		}
	case "kafka":
		if len(c.KafkaBrokerList()) == 0 {
			problems = append(problems, "KAFKA_BROKERS is required for the kafka sink")
		}
	default:
		problems = append(problems, fmt.Sprintf("NOTIFY_SINK %q is not supported", c.Notify.Sink))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, part := range strings.Split(c.Notify.KafkaBrokers, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseItemList parses a comma separated list of numeric item ids.
func ParseItemList(raw string) ([]int64, error) {
	var items []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid item id %q", part)
		}
		items = append(items, id)
	}
	return mergeItems(nil, items), nil
}

func mergeItems(base, extra []int64) []int64 {
	seen := make(map[int64]struct{}, len(base)+len(extra))
	out := make([]int64, 0, len(base)+len(extra))
	for _, list := range [][]int64{base, extra} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
