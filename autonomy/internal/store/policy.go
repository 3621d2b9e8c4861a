package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

func (s *PGStore) GetPolicy(ctx context.Context, tenantID string) (models.Policy, error) {
	query := `
		SELECT max_autonomy, forbidden, audit_rules, rate_limits, updated_at
		FROM company_policies
		WHERE company_id = $1
	`
	var (
		maxAutonomy, forbidden, auditRules, rateLimits []byte
		updatedAt                                      time.Time
	)
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&maxAutonomy, &forbidden, &auditRules, &rateLimits, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Policy{}, ErrNotFound
	}
	if err != nil {
		return models.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	p := models.Policy{TenantID: tenantID, UpdatedAt: updatedAt}
	if err := unmarshalAll(
		field{maxAutonomy, &p.MaxAutonomy},
		field{forbidden, &p.Forbidden},
		field{auditRules, &p.AuditRules},
		field{rateLimits, &p.RateLimits},
	); err != nil {
		return models.Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}

func (s *PGStore) UpsertPolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	maxAutonomy, err := marshalJSON(p.MaxAutonomy, "{}")
	if err != nil {
		return models.Policy{}, fmt.Errorf("encode max autonomy: %w", err)
	}
	forbidden, err := marshalJSON(p.Forbidden, "[]")
	if err != nil {
		return models.Policy{}, fmt.Errorf("encode forbidden: %w", err)
	}
	auditRules, err := marshalJSON(p.AuditRules, "{}")
	if err != nil {
		return models.Policy{}, fmt.Errorf("encode audit rules: %w", err)
	}
	rateLimits, err := marshalJSON(p.RateLimits, "{}")
	if err != nil {
		return models.Policy{}, fmt.Errorf("encode rate limits: %w", err)
	}

	query := `
		INSERT INTO company_policies (company_id, max_autonomy, forbidden, audit_rules, rate_limits, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (company_id) DO UPDATE SET
			max_autonomy = EXCLUDED.max_autonomy,
			forbidden = EXCLUDED.forbidden,
			audit_rules = EXCLUDED.audit_rules,
			rate_limits = EXCLUDED.rate_limits,
			updated_at = now()
		RETURNING updated_at
	`
	if err := s.db.QueryRowContext(ctx, query, p.TenantID, maxAutonomy, forbidden, auditRules, rateLimits).Scan(&p.UpdatedAt); err != nil {
		return models.Policy{}, fmt.Errorf("upsert policy: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetProfile(ctx context.Context, actorID string) (models.AttentionProfile, error) {
	query := `
		SELECT level, quiet_hours, channels, vip_list, autonomy, updated_at
		FROM attention_profiles
		WHERE user_id = $1
	`
	var (
		level                                   string
		quietHours, channels, vipList, autonomy []byte
		updatedAt                               time.Time
	)
	err := s.db.QueryRowContext(ctx, query, actorID).Scan(&level, &quietHours, &channels, &vipList, &autonomy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AttentionProfile{}, ErrNotFound
	}
	if err != nil {
		return models.AttentionProfile{}, fmt.Errorf("get profile: %w", err)
	}
	p := models.AttentionProfile{ActorID: actorID, Level: models.AttentionLevel(level), UpdatedAt: updatedAt}
	if err := unmarshalAll(
		field{quietHours, &p.QuietHours},
		field{channels, &p.Channels},
		field{vipList, &p.VIPList},
		field{autonomy, &p.Autonomy},
	); err != nil {
		return models.AttentionProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

func (s *PGStore) UpsertProfile(ctx context.Context, p models.AttentionProfile) (models.AttentionProfile, error) {
	quietHours, err := marshalJSON(p.QuietHours, "[]")
	if err != nil {
		return models.AttentionProfile{}, fmt.Errorf("encode quiet hours: %w", err)
	}
	channels, err := marshalJSON(p.Channels, "{}")
	if err != nil {
		return models.AttentionProfile{}, fmt.Errorf("encode channels: %w", err)
	}
	vipList, err := marshalJSON(p.VIPList, "{}")
	if err != nil {
		return models.AttentionProfile{}, fmt.Errorf("encode vip list: %w", err)
	}
	autonomy, err := marshalJSON(p.Autonomy, "{}")
	if err != nil {
		return models.AttentionProfile{}, fmt.Errorf("encode autonomy: %w", err)
	}
	if p.Level == "" {
		p.Level = models.AttentionBalanced
	}

	query := `
		INSERT INTO attention_profiles (user_id, level, quiet_hours, channels, vip_list, autonomy, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (user_id) DO UPDATE SET
			level = EXCLUDED.level,
			quiet_hours = EXCLUDED.quiet_hours,
			channels = EXCLUDED.channels,
			vip_list = EXCLUDED.vip_list,
			autonomy = EXCLUDED.autonomy,
			updated_at = now()
		RETURNING updated_at
	`
	if err := s.db.QueryRowContext(ctx, query, p.ActorID, string(p.Level), quietHours, channels, vipList, autonomy).Scan(&p.UpdatedAt); err != nil {
		return models.AttentionProfile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetActor(ctx context.Context, actorID string) (models.Actor, error) {
	var a models.Actor
	err := s.db.QueryRowContext(ctx, `SELECT id, role, company_id FROM users WHERE id = $1`, actorID).
		Scan(&a.ID, &a.Role, &a.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Actor{}, ErrNotFound
	}
	if err != nil {
		return models.Actor{}, fmt.Errorf("get actor: %w", err)
	}
	return a, nil
}

func (s *PGStore) CountRecentDecisions(ctx context.Context, actorID string, decisions []models.AutonomyLevel, since time.Time) (int, error) {
	values := make([]string, 0, len(decisions))
	for _, d := range decisions {
		values = append(values, string(d))
	}
	query := `
		SELECT count(*) FROM gatekeeper_logs
		WHERE user_id = $1 AND decision = ANY($2) AND timestamp >= $3
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, actorID, pq.Array(values), since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent decisions: %w", err)
	}
	return n, nil
}

func (s *PGStore) CountDismissedReminders(ctx context.Context, actorID string, since time.Time) (int, error) {
	query := `
		SELECT count(*) FROM reminders
		WHERE user_id = $1 AND status = 'DISMISSED' AND dismissed_at >= $2
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, actorID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dismissed reminders: %w", err)
	}
	return n, nil
}

type field struct {
	raw []byte
	dst any
}

func unmarshalAll(fields ...field) error {
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return err
		}
	}
	return nil
}
