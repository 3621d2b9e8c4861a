// Package trigger starts workflow runs for events arriving on the bus.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zettelhub/platform/autonomy/internal/events"
	"github.com/zettelhub/platform/autonomy/internal/metrics"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/ratelimit"
	"github.com/zettelhub/platform/autonomy/internal/store"
)

// Reasons recorded when an event does not start a run.
const (
	DropMalformed   = "malformed"
	DropNoTenant    = "no_tenant"
	DropRateLimited = "rate_limited"
	DropShutdown    = "shutdown"
)

// Runner executes one workflow run to completion.
type Runner interface {
	Execute(ctx context.Context, wf models.Workflow, ec models.ExecutionContext) (models.Execution, error)
}

// Workflows finds the workflows listening for an event.
type Workflows interface {
	ListActiveWorkflowsForEvent(ctx context.Context, tenantID, event string) ([]models.Workflow, error)
}

// Policies supplies the tenant policy holding the automation rate limit.
type Policies interface {
	GetPolicy(ctx context.Context, tenantID string) (models.Policy, error)
}

type Config struct {
	MaxConcurrentRuns int
	// Window is the period automationsPerHour is counted over. Tests shorten it.
	Window        time.Duration
	DefaultPolicy models.Policy
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Adapter consumes events and launches a detached run per matching workflow.
// Runs are best-effort: their errors are logged here and never reach the
// consumer loop. At most MaxConcurrentRuns run at once; when all slots are
// busy the consumer waits, which leaves unread events on the bus.
type Adapter struct {
	sub       events.Subscriber
	workflows Workflows
	policies  Policies
	limiter   ratelimit.Limiter
	runner    Runner
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(sub events.Subscriber, workflows Workflows, policies Policies, limiter ratelimit.Limiter, runner Runner, cfg Config) *Adapter {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 16
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		sub:       sub,
		workflows: workflows,
		policies:  policies,
		limiter:   limiter,
		runner:    runner,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		cfg:       cfg,
		logger:    logger.With("component", "trigger"),
		metrics:   cfg.Metrics,
	}
}

// Run consumes until ctx is done or the subscriber is closed. In-flight runs
// keep going; call Wait to drain them.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("consuming events", "max_runs", a.cfg.MaxConcurrentRuns)
	defer a.logger.Info("consumer stopped")
	for {
		ev, err := a.sub.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, events.ErrClosed):
			return nil
		case errors.Is(err, events.ErrMalformed):
			a.logger.Warn("skipping event", "error", err)
			a.metrics.TriggerDropped(DropMalformed)
			continue
		default:
			a.logger.Error("read event", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		a.Dispatch(ctx, ev)
	}
}

// Dispatch starts a run for every active workflow of the event's tenant that
// listens for ev.Name. It returns the number of runs started.
func (a *Adapter) Dispatch(ctx context.Context, ev events.Event) int {
	logger := a.logger.With("event", ev.Name, "tenant_id", ev.TenantID)
	if ev.TenantID == "" {
		logger.Warn("dropping event without tenant")
		a.metrics.TriggerDropped(DropNoTenant)
		return 0
	}
	wfs, err := a.workflows.ListActiveWorkflowsForEvent(ctx, ev.TenantID, ev.Name)
	if err != nil {
		logger.Error("list workflows for event", "error", err)
		return 0
	}

	started := 0
	for _, wf := range wfs {
		if !a.admit(ctx, wf, logger) {
			continue
		}
		if err := a.sem.Acquire(ctx, 1); err != nil {
			a.metrics.TriggerDropped(DropShutdown)
			return started
		}
		a.wg.Add(1)
		go a.run(ctx, wf, ev)
		started++
	}
	return started
}

// Wait blocks until every launched run has finished.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) admit(ctx context.Context, wf models.Workflow, logger *slog.Logger) bool {
	limit, err := a.automationsPerHour(ctx, wf.TenantID)
	if err != nil {
		logger.Warn("load policy for rate limit, admitting run", "workflow_id", wf.ID, "error", err)
		return true
	}
	if limit <= 0 {
		return true
	}
	d, err := a.limiter.Allow(ctx, "automations:"+wf.TenantID, limit, a.cfg.Window)
	if err != nil {
		logger.Warn("rate limiter failed, admitting run", "workflow_id", wf.ID, "error", err)
		return true
	}
	if !d.Allowed {
		logger.Warn("automation rate limit reached", "workflow_id", wf.ID, "limit", d.Limit, "reset_at", d.ResetAt)
		a.metrics.TriggerDropped(DropRateLimited)
		return false
	}
	return true
}

func (a *Adapter) automationsPerHour(ctx context.Context, tenantID string) (int, error) {
	p, err := a.policies.GetPolicy(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		p = a.cfg.DefaultPolicy
	} else if err != nil {
		return 0, err
	}
	if p.RateLimits.AutomationsPerHour == nil {
		return 0, nil
	}
	return *p.RateLimits.AutomationsPerHour, nil
}

func (a *Adapter) run(ctx context.Context, wf models.Workflow, ev events.Event) {
	defer a.wg.Done()
	defer a.sem.Release(1)
	logger := a.logger.With("workflow_id", wf.ID, "event", ev.Name)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("workflow run panicked", "panic", fmt.Sprint(r))
		}
	}()

	ec := models.ExecutionContext{
		WorkflowID: wf.ID.String(),
		TenantID:   wf.TenantID,
		Trigger:    models.TriggerInfo{Event: ev.Name, Data: ev.Data},
		Variables:  map[string]any{},
		ActorID:    ev.ActorID,
	}
	ex, err := a.runner.Execute(ctx, wf, ec)
	if err != nil {
		logger.Error("workflow execution failed", "execution_id", ex.ID, "error", err)
		return
	}
	logger.Debug("workflow execution completed", "execution_id", ex.ID)
}
