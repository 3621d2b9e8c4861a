package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/zettelhub/platform/autonomy/internal/actions"
	"github.com/zettelhub/platform/autonomy/internal/audit"
	"github.com/zettelhub/platform/autonomy/internal/auth"
	"github.com/zettelhub/platform/autonomy/internal/config"
	"github.com/zettelhub/platform/autonomy/internal/events"
	"github.com/zettelhub/platform/autonomy/internal/gatekeeper"
	"github.com/zettelhub/platform/autonomy/internal/httpserver"
	"github.com/zettelhub/platform/autonomy/internal/metrics"
	"github.com/zettelhub/platform/autonomy/internal/ratelimit"
	"github.com/zettelhub/platform/autonomy/internal/store"
	"github.com/zettelhub/platform/autonomy/internal/telemetry"
	"github.com/zettelhub/platform/autonomy/internal/template"
	"github.com/zettelhub/platform/autonomy/internal/trigger"
	"github.com/zettelhub/platform/autonomy/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.ServiceName)
	if err != nil {
		log.Fatalf("telemetry init: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	pg := store.NewPGStore(db)
	m := metrics.New()

	var (
		policies store.PolicyRepository = pg
		cache    httpserver.CacheInvalidator
		limiter  ratelimit.Limiter = ratelimit.NewInMemoryLimiter()
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		cached := store.NewCachedPolicies(pg, client, cfg.PolicyCacheTTL, logger)
		policies, cache = cached, cached
		limiter = ratelimit.NewRedisLimiter(client, logger)
	}

	gkOpts := gatekeeper.Options{Logger: logger, Metrics: m}
	if cfg.DefaultPolicyFile != "" {
		p, err := gatekeeper.LoadDefaultPolicy(cfg.DefaultPolicyFile)
		if err != nil {
			log.Fatalf("default policy: %v", err)
		}
		gkOpts.DefaultPolicy = &p
	}
	engine := gatekeeper.New(policies, audit.NewStoreSink(pg), gkOpts)

	// Interfaces stay untyped nil when a sink is not configured.
	var publisher events.Publisher
	if cfg.KafkaEnabled() {
		p, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.NotificationTopic})
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		defer p.Close()
		publisher = p
	}

	templates := template.Lenient
	if cfg.StrictTemplates {
		templates = template.Strict
	}
	table := actions.NewTable(actions.Deps{
		Records:   pg,
		Publisher: publisher,
		Webhooks: actions.NewWebhookClient(actions.WebhookClientConfig{
			Timeout:       cfg.WebhookTimeout,
			Retries:       cfg.WebhookRetries,
			RatePerSecond: cfg.WebhookRatePerSec,
		}),
		Templates: templates,
		Logger:    logger,
	})
	executor := workflow.NewExecutor(engine, pg, table, workflow.Options{Logger: logger, Metrics: m})

	var background sync.WaitGroup
	var adapter *trigger.Adapter
	if cfg.KafkaEnabled() {
		sub, err := events.NewKafkaSubscriber(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.TriggerTopic,
			GroupID: cfg.TriggerGroupID,
		})
		if err != nil {
			log.Fatalf("kafka subscriber: %v", err)
		}
		defer sub.Close()
		adapter = trigger.New(sub, pg, policies, limiter, executor, trigger.Config{
			MaxConcurrentRuns: cfg.MaxConcurrentRuns,
			DefaultPolicy:     engine.DefaultPolicy(),
			Logger:            logger,
			Metrics:           m,
		})
		background.Add(1)
		go func() {
			defer background.Done()
			if err := adapter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trigger consumer stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("AUTONOMY_KAFKA_BROKERS not set, event triggers disabled")
	}

	if cfg.StreamerEnabled() {
		var producer audit.Producer
		if cfg.KafkaEnabled() {
			p, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.DecisionTopic})
			if err != nil {
				log.Fatalf("decision producer: %v", err)
			}
			producer = p
		}
		var archiver audit.Archiver
		if cfg.ArchiveBucket != "" {
			a, err := audit.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
			if err != nil {
				log.Fatalf("s3 archiver: %v", err)
			}
			archiver = a
		}
		streamer := audit.NewStreamer(pg, producer, archiver, audit.StreamerConfig{
			BatchSize:    cfg.StreamBatchSize,
			PollInterval: cfg.StreamPollInterval,
		}, logger, m)
		background.Add(1)
		go func() {
			defer background.Done()
			_ = streamer.Run(ctx)
		}()
	}

	server := httpserver.New(cfg, pg, engine, executor, auth.NewVerifier(auth.Config{
		Secret:          cfg.JWTSecret,
		AllowDevHeaders: cfg.AllowDevHeaders,
	}), httpserver.Options{Cache: cache, Metrics: m, Logger: logger})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("autonomy service listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdown(httpServer, &background, adapter, shutdownTracing)
}

func shutdown(s *http.Server, background *sync.WaitGroup, adapter *trigger.Adapter, shutdownTracing func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	background.Wait()
	if adapter != nil {
		adapter.Wait()
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
