package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zettelhub/platform/autonomy/internal/gatekeeper"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/store"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 200
	pendingWindow   = 7 * 24 * time.Hour
	pendingLimit    = 50
)

type testDecisionRequest struct {
	Action  string         `json:"action"`
	Context map[string]any `json:"context"`
}

func (s *Server) handleTestDecision(w http.ResponseWriter, r *http.Request) {
	var req testDecisionRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "action is required")
		return
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	p := principal(r)
	res := s.gate.Decide(r.Context(), gatekeeper.Request{
		ActorID:  p.ActorID,
		TenantID: p.TenantID,
		Action:   req.Action,
		Context:  req.Context,
	})
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultLogLimit)
	if !ok || limit == 0 || limit > maxLogLimit {
		respondError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLogLimit))
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		respondError(w, http.StatusBadRequest, codeBadRequest, "offset must be a non-negative integer")
		return
	}
	decision := models.AutonomyLevel(r.URL.Query().Get("decision"))
	if decision != "" && !decision.Valid() {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid decision")
		return
	}

	p := principal(r)
	entries, total, err := s.db.ListDecisions(r.Context(), store.DecisionFilter{
		TenantID: p.TenantID,
		ActorID:  p.ActorID,
		Action:   r.URL.Query().Get("action"),
		Decision: decision,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.internalError(w, r, "failed to fetch logs", err)
		return
	}
	if entries == nil {
		entries = []models.DecisionLogEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data": entries,
		"pagination": map[string]int{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	entries, _, err := s.db.ListDecisions(r.Context(), store.DecisionFilter{
		TenantID: p.TenantID,
		ActorID:  p.ActorID,
		Decision: models.AutonomySuggest,
		Since:    s.now().Add(-pendingWindow),
		Limit:    pendingLimit,
	})
	if err != nil {
		s.internalError(w, r, "failed to fetch pending actions", err)
		return
	}
	if entries == nil {
		entries = []models.DecisionLogEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": entries})
}

func (s *Server) currentProfile(r *http.Request, actorID string) (models.AttentionProfile, error) {
	profile, err := s.db.GetProfile(r.Context(), actorID)
	if errors.Is(err, store.ErrNotFound) {
		profile = s.gate.DefaultProfile()
		profile.ActorID = actorID
		return profile, nil
	}
	return profile, err
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.currentProfile(r, principal(r).ActorID)
	if err != nil {
		s.internalError(w, r, "failed to fetch attention profile", err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// profilePatch replaces every top-level field that is present.
type profilePatch struct {
	Level      *models.AttentionLevel          `json:"level"`
	QuietHours *[]models.QuietWindow           `json:"quietHours"`
	Channels   *models.Channels                `json:"channels"`
	VIPList    *models.VIPList                 `json:"vipList"`
	Autonomy   map[string]models.AutonomyLevel `json:"autonomy"`
}

func (p profilePatch) validate() error {
	if p.Level != nil {
		switch *p.Level {
		case models.AttentionSilent, models.AttentionBalanced, models.AttentionActive:
		default:
			return fmt.Errorf("level: invalid value %q", *p.Level)
		}
	}
	if p.QuietHours != nil {
		for i, w := range *p.QuietHours {
			if err := gatekeeper.ValidateQuietWindow(w); err != nil {
				return fmt.Errorf("quietHours[%d].%w", i, err)
			}
		}
	}
	for action, level := range p.Autonomy {
		switch level {
		case models.AutonomyExecute, models.AutonomySuggest, models.AutonomyLogOnly:
		default:
			return fmt.Errorf("autonomy.%s: invalid level %q", action, level)
		}
	}
	return nil
}

func (s *Server) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	var patch profilePatch
	if err := s.decode(w, r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := patch.validate(); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	actorID := principal(r).ActorID
	profile, err := s.currentProfile(r, actorID)
	if err != nil {
		s.internalError(w, r, "failed to fetch attention profile", err)
		return
	}
	if patch.Level != nil {
		profile.Level = *patch.Level
	}
	if patch.QuietHours != nil {
		profile.QuietHours = *patch.QuietHours
	}
	if patch.Channels != nil {
		profile.Channels = *patch.Channels
	}
	if patch.VIPList != nil {
		profile.VIPList = normalizeVIP(*patch.VIPList)
	}
	if patch.Autonomy != nil {
		profile.Autonomy = patch.Autonomy
	}
	if profile.QuietHours == nil {
		profile.QuietHours = []models.QuietWindow{}
	}

	saved, err := s.db.UpsertProfile(r.Context(), profile)
	if err != nil {
		s.internalError(w, r, "failed to update attention profile", err)
		return
	}
	if s.cache != nil {
		if err := s.cache.InvalidateProfile(r.Context(), actorID); err != nil {
			s.logger.Warn("invalidate cached profile", "actor_id", actorID, "error", err)
		}
	}
	s.logger.Info("attention profile updated", "actor_id", actorID)
	respondJSON(w, http.StatusOK, saved)
}

func normalizeVIP(v models.VIPList) models.VIPList {
	if v.Contacts == nil {
		v.Contacts = []string{}
	}
	if v.Projects == nil {
		v.Projects = []string{}
	}
	if v.Deals == nil {
		v.Deals = []string{}
	}
	return v
}

func (s *Server) currentPolicy(r *http.Request, tenantID string) (models.Policy, error) {
	policy, err := s.db.GetPolicy(r.Context(), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		policy = s.gate.DefaultPolicy()
		policy.TenantID = tenantID
		return policy, nil
	}
	return policy, err
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.currentPolicy(r, principal(r).TenantID)
	if err != nil {
		s.internalError(w, r, "failed to fetch policy", err)
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

type policyPatch struct {
	MaxAutonomy map[string]map[string]models.AutonomyLevel `json:"maxAutonomy"`
	Forbidden   *[]string                                  `json:"forbidden"`
	AuditRules  *models.AuditRules                         `json:"auditRules"`
	RateLimits  *models.RateLimits                         `json:"rateLimits"`
}

func (p policyPatch) validate() error {
	if err := gatekeeper.ValidatePolicy(models.Policy{MaxAutonomy: p.MaxAutonomy}); err != nil {
		return err
	}
	if p.AuditRules != nil && p.AuditRules.RetentionDays != nil && *p.AuditRules.RetentionDays < 0 {
		return errors.New("auditRules.retention_days must not be negative")
	}
	if p.RateLimits != nil {
		limits := map[string]*int{
			"ai_calls_per_user_per_day":    p.RateLimits.AICallsPerUserPerDay,
			"ai_calls_per_company_per_day": p.RateLimits.AICallsPerCompanyPerDay,
			"automations_per_hour":         p.RateLimits.AutomationsPerHour,
		}
		for name, v := range limits {
			if v != nil && *v < 0 {
				return fmt.Errorf("rateLimits.%s must not be negative", name)
			}
		}
	}
	return nil
}

func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	var patch policyPatch
	if err := s.decode(w, r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := patch.validate(); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	tenantID := principal(r).TenantID
	policy, err := s.currentPolicy(r, tenantID)
	if err != nil {
		s.internalError(w, r, "failed to fetch policy", err)
		return
	}
	if patch.MaxAutonomy != nil {
		policy.MaxAutonomy = patch.MaxAutonomy
	}
	if patch.Forbidden != nil {
		policy.Forbidden = *patch.Forbidden
	}
	if patch.AuditRules != nil {
		policy.AuditRules = *patch.AuditRules
	}
	if patch.RateLimits != nil {
		policy.RateLimits = *patch.RateLimits
	}
	if policy.Forbidden == nil {
		policy.Forbidden = []string{}
	}

	saved, err := s.db.UpsertPolicy(r.Context(), policy)
	if err != nil {
		s.internalError(w, r, "failed to update policy", err)
		return
	}
	if s.cache != nil {
		if err := s.cache.InvalidatePolicy(r.Context(), tenantID); err != nil {
			s.logger.Warn("invalidate cached policy", "tenant_id", tenantID, "error", err)
		}
	}
	s.logger.Info("tenant policy updated", "tenant_id", tenantID, "actor_id", principal(r).ActorID)
	respondJSON(w, http.StatusOK, saved)
}
