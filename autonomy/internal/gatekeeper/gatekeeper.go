package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zettelhub/platform/autonomy/internal/metrics"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/store"
)

// Reasons returned with each decision.
const (
	ReasonUserNotFound   = "User not found"
	ReasonForbidden      = "Action forbidden by company policy"
	ReasonVIP            = "VIP context allows execution"
	ReasonQuietHours     = "User is in quiet hours"
	ReasonLowAttention   = "Low attention score - spam prevention"
	ReasonChannelBlocked = "Channel not allowed by user preferences"
	ReasonAllPassed      = "All checks passed"
	ReasonFailClosed     = "Gatekeeper error - blocking for safety"
)

const auditTimeout = 5 * time.Second

// AuditSink durably records decisions.
type AuditSink interface {
	Record(ctx context.Context, entry models.DecisionLogEntry) error
}

// Clock returns the current time.
type Clock func() time.Time

// Request is a single attempted action.
type Request struct {
	ActorID  string         `json:"userId"`
	TenantID string         `json:"companyId"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context,omitempty"`
}

// Result is the decision for a Request.
type Result struct {
	Decision models.AutonomyLevel `json:"decision"`
	Reason   string               `json:"reason"`
	Metadata map[string]any       `json:"metadata,omitempty"`
}

type Options struct {
	DefaultPolicy  *models.Policy
	DefaultProfile *models.AttentionProfile
	Clock          Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Engine decides whether automated actions run, wait for approval, are only
// logged, or are blocked. It never returns an error; failures block.
type Engine struct {
	repo           store.PolicyRepository
	sink           AuditSink
	defaultPolicy  models.Policy
	defaultProfile models.AttentionProfile
	now            Clock
	zones          *zoneCache
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

func New(repo store.PolicyRepository, sink AuditSink, opts Options) *Engine {
	e := &Engine{
		repo:           repo,
		sink:           sink,
		defaultPolicy:  DefaultPolicy(),
		defaultProfile: DefaultProfile(),
		now:            opts.Clock,
		zones:          newZoneCache(),
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         otel.Tracer("github.com/zettelhub/platform/autonomy/internal/gatekeeper"),
	}
	if opts.DefaultPolicy != nil {
		e.defaultPolicy = *opts.DefaultPolicy
	}
	if opts.DefaultProfile != nil {
		e.defaultProfile = *opts.DefaultProfile
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "gatekeeper")
	return e
}

// DefaultProfile returns the profile applied to actors without a stored one.
func (e *Engine) DefaultProfile() models.AttentionProfile {
	return e.defaultProfile
}

// DefaultPolicy returns the policy applied to tenants without a stored one.
func (e *Engine) DefaultPolicy() models.Policy {
	return e.defaultPolicy
}

// Decide evaluates req and records the outcome. Exactly one decision log entry
// is written per call.
func (e *Engine) Decide(ctx context.Context, req Request) (res Result) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "gatekeeper.Decide", trace.WithAttributes(
		attribute.String("gatekeeper.action", req.Action),
		attribute.String("gatekeeper.tenant", req.TenantID),
	))
	audited := false
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("decision panicked", "action", req.Action, "user_id", req.ActorID, "panic", r)
			res = failClosed()
			if !audited {
				e.audit(ctx, req, res)
			}
		}
		span.SetAttributes(attribute.String("gatekeeper.decision", string(res.Decision)))
		span.End()
		e.metrics.ObserveDecision(string(res.Decision), time.Since(started))
	}()

	res, err := e.evaluate(ctx, req)
	if err != nil {
		e.logger.Error("decision failed", "action", req.Action, "user_id", req.ActorID, "company_id", req.TenantID, "error", err)
		span.RecordError(err)
		res = failClosed()
	}
	e.audit(ctx, req, res)
	audited = true
	return res
}

func failClosed() Result {
	return Result{Decision: models.AutonomyBlock, Reason: ReasonFailClosed}
}

func (e *Engine) evaluate(ctx context.Context, req Request) (Result, error) {
	var (
		policy  models.Policy
		profile models.AttentionProfile
		actor   *models.Actor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := e.repo.GetPolicy(gctx, req.TenantID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			policy = e.defaultPolicy
		case err != nil:
			return fmt.Errorf("load policy: %w", err)
		default:
			policy = p
		}
		return nil
	})
	g.Go(func() error {
		p, err := e.repo.GetProfile(gctx, req.ActorID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			profile = e.defaultProfile
		case err != nil:
			return fmt.Errorf("load profile: %w", err)
		default:
			profile = p
		}
		return nil
	})
	g.Go(func() error {
		if req.ActorID == "" {
			return nil
		}
		a, err := e.repo.GetActor(gctx, req.ActorID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load actor: %w", err)
		default:
			actor = &a
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if actor == nil || (req.TenantID != "" && actor.TenantID != "" && actor.TenantID != req.TenantID) {
		return Result{Decision: models.AutonomyBlock, Reason: ReasonUserNotFound}, nil
	}

	if policy.IsForbidden(req.Action) {
		return Result{Decision: models.AutonomyBlock, Reason: ReasonForbidden}, nil
	}

	if isVIP(req.Context, profile.VIPList) {
		return Result{Decision: models.AutonomyExecute, Reason: ReasonVIP}, nil
	}

	role, roleReason := roleCeiling(policy, actor.Role, req.Action)
	if role == models.AutonomyBlock {
		return Result{Decision: models.AutonomyBlock, Reason: roleReason}, nil
	}

	if e.inQuietHours(profile.QuietHours) {
		return Result{Decision: models.AutonomySuggest, Reason: ReasonQuietHours}, nil
	}

	pref, prefReason := preference(profile, req.Action)
	switch {
	case pref == models.AutonomyBlock:
		return Result{Decision: models.AutonomyBlock, Reason: prefReason}, nil
	case pref == models.AutonomySuggest && role == models.AutonomyExecute:
		return Result{Decision: models.AutonomySuggest, Reason: prefReason}, nil
	case pref == models.AutonomyLogOnly:
		return Result{Decision: models.AutonomyLogOnly, Reason: prefReason}, nil
	case role == models.AutonomySuggest:
		return Result{Decision: models.AutonomySuggest, Reason: roleReason}, nil
	}

	score, err := e.attentionScore(ctx, req.ActorID)
	if err != nil {
		return Result{}, err
	}
	if score < LowAttentionThreshold {
		return Result{Decision: models.AutonomyLogOnly, Reason: ReasonLowAttention}, nil
	}

	if deliversMessage(req.Action) && !channelAllowed(req.Action, profile.Channels) {
		return Result{Decision: models.AutonomyLogOnly, Reason: ReasonChannelBlocked}, nil
	}

	return Result{
		Decision: models.AutonomyExecute,
		Reason:   ReasonAllPassed,
		Metadata: map[string]any{"attentionScore": score},
	}, nil
}

// roleCeiling looks up the maximum autonomy of role for action. Unmapped roles
// and actions are permissive.
func roleCeiling(p models.Policy, role, action string) (models.AutonomyLevel, string) {
	actions, ok := p.MaxAutonomy[role]
	if !ok || len(actions) == 0 {
		return models.AutonomyExecute, "No policy defined for role"
	}
	level, ok := actions[action]
	if !ok || level == "" {
		return models.AutonomyExecute, "Action not mapped in role policy"
	}
	switch level {
	case models.AutonomyBlock:
		return models.AutonomyBlock, fmt.Sprintf("Not allowed for role %s", role)
	case models.AutonomySuggest:
		return models.AutonomySuggest, fmt.Sprintf("Requires approval for role %s", role)
	}
	return models.AutonomyExecute, "Role policy allows execution"
}

func preference(p models.AttentionProfile, action string) (models.AutonomyLevel, string) {
	switch p.Autonomy[action] {
	case "":
		return models.AutonomyExecute, "No user preference for action"
	case models.AutonomyBlock:
		return models.AutonomyBlock, "User autonomy level is BLOCK"
	case models.AutonomySuggest:
		return models.AutonomySuggest, "User autonomy level is SUGGEST"
	case models.AutonomyLogOnly:
		return models.AutonomyLogOnly, "User prefers silence for this action"
	}
	return models.AutonomyExecute, "User preference allows execution"
}

func isVIP(reqCtx map[string]any, vip models.VIPList) bool {
	return listed(reqCtx["contactId"], vip.Contacts) ||
		listed(reqCtx["projectId"], vip.Projects) ||
		listed(reqCtx["dealId"], vip.Deals)
}

func listed(v any, ids []string) bool {
	if v == nil {
		return false
	}
	id := fmt.Sprint(v)
	if id == "" {
		return false
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (e *Engine) inQuietHours(windows []models.QuietWindow) bool {
	now := e.now()
	for _, w := range windows {
		in, err := e.zones.inWindow(w, now)
		if err != nil {
			e.logger.Warn("skipping invalid quiet window", "start", w.Start, "end", w.End, "timezone", w.Timezone, "error", err)
			continue
		}
		if in {
			return true
		}
	}
	return false
}

// audit writes the decision with a context that survives caller cancellation.
// Failures are logged; the decision stands.
func (e *Engine) audit(ctx context.Context, req Request, res Result) {
	snapshot, err := json.Marshal(req.Context)
	if err != nil || string(snapshot) == "null" {
		snapshot = []byte("{}")
	}
	entry := models.DecisionLogEntry{
		ID:        uuid.New(),
		TenantID:  req.TenantID,
		Action:    req.Action,
		Decision:  res.Decision,
		Reason:    res.Reason,
		Context:   snapshot,
		Timestamp: e.now().UTC(),
	}
	if req.ActorID != "" {
		id := req.ActorID
		entry.ActorID = &id
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := e.sink.Record(actx, entry); err != nil {
		e.metrics.AuditFailed()
		e.logger.Error("failed to record decision", "action", req.Action, "decision", res.Decision, "error", err)
	}
}
