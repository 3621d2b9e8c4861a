package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTONOMY_DATABASE_URL", "")
	t.Setenv("AUTONOMY_JWT_SECRET", "secret")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without a database url")
	}
}

func TestLoadRequiresJWTSecretUnlessDevHeaders(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/zettel")
	t.Setenv("AUTONOMY_JWT_SECRET", "")
	t.Setenv("AUTONOMY_ALLOW_DEV_HEADERS", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without a jwt secret")
	}

	t.Setenv("AUTONOMY_ALLOW_DEV_HEADERS", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected dev headers to satisfy auth config, got %v", err)
	}
	if !cfg.AllowDevHeaders {
		t.Fatal("expected AllowDevHeaders to be set")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/zettel")
	t.Setenv("AUTONOMY_JWT_SECRET", "secret")
	for _, key := range []string{
		"AUTONOMY_DATABASE_URL", "AUTONOMY_ADDR", "AUTONOMY_KAFKA_BROKERS", "AUTONOMY_ARCHIVE_BUCKET",
		"AUTONOMY_MAX_CONCURRENT_RUNS", "AUTONOMY_POLICY_CACHE_TTL", "AUTONOMY_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Addr != defaultAddr {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.MaxConcurrentRuns != defaultMaxRuns {
		t.Fatalf("expected %d concurrent runs, got %d", defaultMaxRuns, cfg.MaxConcurrentRuns)
	}
	if cfg.PolicyCacheTTL != time.Minute {
		t.Fatalf("expected one minute cache ttl, got %v", cfg.PolicyCacheTTL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", cfg.LogLevel)
	}
	if cfg.KafkaEnabled() || cfg.StreamerEnabled() {
		t.Fatal("expected kafka and streamer to be disabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://fallback/zettel")
	t.Setenv("AUTONOMY_DATABASE_URL", "postgres://primary/zettel")
	t.Setenv("AUTONOMY_JWT_SECRET", "secret")
	t.Setenv("AUTONOMY_KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("AUTONOMY_MAX_CONCURRENT_RUNS", "4")
	t.Setenv("AUTONOMY_WEBHOOK_TIMEOUT", "bogus")
	t.Setenv("AUTONOMY_LOG_LEVEL", "WARN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://primary/zettel" {
		t.Fatalf("expected service-specific url to win, got %q", cfg.DatabaseURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "kafka-1:9092" || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if !cfg.StreamerEnabled() {
		t.Fatal("expected streamer enabled with kafka")
	}
	if cfg.MaxConcurrentRuns != 4 {
		t.Fatalf("expected 4 concurrent runs, got %d", cfg.MaxConcurrentRuns)
	}
	if cfg.WebhookTimeout != defaultWebhookTimeout {
		t.Fatalf("invalid duration should keep default, got %v", cfg.WebhookTimeout)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("expected warn level, got %v", cfg.LogLevel)
	}
}
