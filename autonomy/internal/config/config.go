package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings for the autonomy service.
type Config struct {
	Addr        string
	DatabaseURL string
	LogLevel    slog.Level
	LogFormat   string

	JWTSecret       string
	AllowDevHeaders bool
	MaxBodyBytes    int

	RedisURL          string
	PolicyCacheTTL    time.Duration
	DefaultPolicyFile string

	KafkaBrokers       []string
	TriggerTopic       string
	TriggerGroupID     string
	NotificationTopic  string
	DecisionTopic      string
	ArchiveBucket      string
	ArchivePrefix      string
	StreamBatchSize    int
	StreamPollInterval time.Duration

	MaxConcurrentRuns int
	WebhookTimeout    time.Duration
	WebhookRetries    int
	WebhookRatePerSec float64
	StrictTemplates   bool

	ServiceName string
}

const (
	defaultAddr              = ":8052"
	defaultBodyLimit         = 256 * 1024 // 256KB
	defaultPolicyCacheTTL    = time.Minute
	defaultTriggerTopic      = "platform.events"
	defaultTriggerGroup      = "autonomy-triggers"
	defaultNotificationTopic = "platform.notifications"
	defaultDecisionTopic     = "gatekeeper.decisions"
	defaultStreamBatch       = 25
	defaultStreamPoll        = 3 * time.Second
	defaultMaxRuns           = 16
	defaultWebhookTimeout    = 10 * time.Second
	defaultWebhookRetries    = 2
	defaultWebhookRate       = 20
)

// Load reads environment variables and returns a Config.
func Load() (Config, error) {
	cfg := Config{
		Addr:               getEnv("AUTONOMY_ADDR", defaultAddr),
		DatabaseURL:        firstNonEmpty(os.Getenv("AUTONOMY_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		LogLevel:           parseLevel(os.Getenv("AUTONOMY_LOG_LEVEL")),
		LogFormat:          getEnv("AUTONOMY_LOG_FORMAT", "text"),
		JWTSecret:          os.Getenv("AUTONOMY_JWT_SECRET"),
		AllowDevHeaders:    getBool("AUTONOMY_ALLOW_DEV_HEADERS", false),
		MaxBodyBytes:       getInt("AUTONOMY_MAX_BODY_BYTES", defaultBodyLimit),
		RedisURL:           os.Getenv("AUTONOMY_REDIS_URL"),
		PolicyCacheTTL:     getDuration("AUTONOMY_POLICY_CACHE_TTL", defaultPolicyCacheTTL),
		DefaultPolicyFile:  os.Getenv("AUTONOMY_DEFAULT_POLICY_FILE"),
		KafkaBrokers:       splitList(os.Getenv("AUTONOMY_KAFKA_BROKERS")),
		TriggerTopic:       getEnv("AUTONOMY_TRIGGER_TOPIC", defaultTriggerTopic),
		TriggerGroupID:     getEnv("AUTONOMY_TRIGGER_GROUP_ID", defaultTriggerGroup),
		NotificationTopic:  getEnv("AUTONOMY_NOTIFICATION_TOPIC", defaultNotificationTopic),
		DecisionTopic:      getEnv("AUTONOMY_DECISION_TOPIC", defaultDecisionTopic),
		ArchiveBucket:      os.Getenv("AUTONOMY_ARCHIVE_BUCKET"),
		ArchivePrefix:      os.Getenv("AUTONOMY_ARCHIVE_PREFIX"),
		StreamBatchSize:    getInt("AUTONOMY_STREAM_BATCH_SIZE", defaultStreamBatch),
		StreamPollInterval: getDuration("AUTONOMY_STREAM_POLL_INTERVAL", defaultStreamPoll),
		MaxConcurrentRuns:  getInt("AUTONOMY_MAX_CONCURRENT_RUNS", defaultMaxRuns),
		WebhookTimeout:     getDuration("AUTONOMY_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
		WebhookRetries:     getInt("AUTONOMY_WEBHOOK_RETRIES", defaultWebhookRetries),
		WebhookRatePerSec:  getFloat("AUTONOMY_WEBHOOK_RATE_PER_SEC", defaultWebhookRate),
		StrictTemplates:    getBool("AUTONOMY_STRICT_TEMPLATES", false),
		ServiceName:        getEnv("OTEL_SERVICE_NAME", "autonomy"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or AUTONOMY_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" && !cfg.AllowDevHeaders {
		return Config{}, fmt.Errorf("AUTONOMY_JWT_SECRET is required unless AUTONOMY_ALLOW_DEV_HEADERS=true")
	}
	return cfg, nil
}

// KafkaEnabled reports whether brokers are configured.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// StreamerEnabled reports whether decision export has a destination.
func (c Config) StreamerEnabled() bool {
	return c.KafkaEnabled() || c.ArchiveBucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
