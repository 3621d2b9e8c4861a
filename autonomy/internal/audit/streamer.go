package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zettelhub/platform/autonomy/internal/audit/canonical"
	"github.com/zettelhub/platform/autonomy/internal/metrics"
	"github.com/zettelhub/platform/autonomy/internal/models"
)

// Queue is the durable side of the streamer: decision rows waiting for export.
type Queue interface {
	FetchPendingDecisions(ctx context.Context, limit int) ([]models.DecisionLogEntry, error)
	MarkDecisionStreamResult(ctx context.Context, id uuid.UUID, archiveKey sql.NullString, success bool, errMsg sql.NullString) error
}

type Producer interface {
	Produce(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

type Archiver interface {
	Archive(ctx context.Context, entry models.DecisionLogEntry, body []byte) (string, error)
}

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

// Streamer exports decision log rows, DB first: rows are claimed with SKIP
// LOCKED, produced to Kafka, archived to S3, then marked done or failed so
// the table stays the source of truth for retries. Either sink may be nil.
type Streamer struct {
	queue    Queue
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewStreamer(queue Queue, producer Producer, archiver Archiver, cfg StreamerConfig, logger *slog.Logger, m *metrics.Metrics) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		queue:    queue,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With("component", "decision-streamer"),
		metrics:  m,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight rows and closes
// the producer.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("starting", "batch", s.cfg.BatchSize, "concurrency", s.cfg.MaxConcurrency)
	defer s.logger.Info("stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	for {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Warn("fetch pending decisions", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single batch. It returns the number of rows
// claimed.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	entries, err := s.queue.FetchPendingDecisions(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, entry := range entries {
		sem <- struct{}{}
		wg.Add(1)
		go func(entry models.DecisionLogEntry) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := s.process(ctx, entry); err != nil {
				s.logger.Warn("export decision", "id", entry.ID, "error", err)
			}
		}(entry)
	}
	wg.Wait()
	return len(entries), nil
}

// Envelope builds the exported document for a decision. The checksum covers
// every other field.
func Envelope(entry models.DecisionLogEntry) (map[string]any, error) {
	var actor any
	if entry.ActorID != nil {
		actor = *entry.ActorID
	}
	env := map[string]any{
		"id":        entry.ID.String(),
		"companyId": entry.TenantID,
		"userId":    actor,
		"action":    entry.Action,
		"decision":  string(entry.Decision),
		"reason":    entry.Reason,
		"context":   entry.Context,
		"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	sum, err := canonical.Hash(env)
	if err != nil {
		return nil, err
	}
	env["checksum"] = sum
	return env, nil
}

func (s *Streamer) process(parent context.Context, entry models.DecisionLogEntry) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	// Bookkeeping outlives shutdown so claimed rows are not left in progress.
	markCtx := context.WithoutCancel(parent)

	fail := func(stage string, err error) error {
		s.metrics.ObserveStream("failed")
		msg := sql.NullString{String: fmt.Sprintf("%s: %v", stage, err), Valid: true}
		if markErr := s.queue.MarkDecisionStreamResult(markCtx, entry.ID, sql.NullString{}, false, msg); markErr != nil {
			s.logger.Error("mark decision failed", "id", entry.ID, "error", markErr)
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	env, err := Envelope(entry)
	if err != nil {
		return fail("canonicalize envelope", err)
	}
	body, err := canonical.Marshal(env)
	if err != nil {
		return fail("canonicalize envelope", err)
	}

	if s.producer != nil {
		if _, err := s.producer.Produce(ctx, []byte(entry.TenantID), body); err != nil {
			return fail("kafka produce", err)
		}
	}

	var key sql.NullString
	if s.archiver != nil {
		k, err := s.archiver.Archive(ctx, entry, body)
		if err != nil {
			return fail("s3 archive", err)
		}
		key = sql.NullString{String: k, Valid: true}
	}

	if err := s.queue.MarkDecisionStreamResult(markCtx, entry.ID, key, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark decision streamed: %w", err)
	}
	s.metrics.ObserveStream("done")
	s.logger.Debug("decision exported", "id", entry.ID, "archive_key", key.String)
	return nil
}
