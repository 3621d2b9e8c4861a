package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPGStore(db), mock
}

func TestGetPolicyDecodesColumns(t *testing.T) {
	s, mock := newMockStore(t)
	updated := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"max_autonomy", "forbidden", "audit_rules", "rate_limits", "updated_at"}).
		AddRow(
			[]byte(`{"agent":{"send_email":"SUGGEST"}}`),
			[]byte(`["bulk_delete"]`),
			[]byte(`{"retention_days":30}`),
			[]byte(`{"automations_per_hour":5}`),
			updated,
		)
	mock.ExpectQuery("FROM company_policies").WithArgs("c1").WillReturnRows(rows)

	p, err := s.GetPolicy(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetPolicy error: %v", err)
	}
	if p.TenantID != "c1" || !p.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected policy header %+v", p)
	}
	if p.MaxAutonomy["agent"]["send_email"] != models.AutonomySuggest {
		t.Fatalf("max autonomy not decoded: %+v", p.MaxAutonomy)
	}
	if !p.IsForbidden("bulk_delete") {
		t.Fatalf("forbidden list not decoded: %v", p.Forbidden)
	}
	if p.AuditRules.RetentionDays == nil || *p.AuditRules.RetentionDays != 30 {
		t.Fatalf("audit rules not decoded: %+v", p.AuditRules)
	}
	if p.RateLimits.AutomationsPerHour == nil || *p.RateLimits.AutomationsPerHour != 5 {
		t.Fatalf("rate limits not decoded: %+v", p.RateLimits)
	}
}

func TestGetPolicyNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM company_policies").WithArgs("c9").
		WillReturnRows(sqlmock.NewRows([]string{"max_autonomy", "forbidden", "audit_rules", "rate_limits", "updated_at"}))

	if _, err := s.GetPolicy(context.Background(), "c9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertPolicyEncodesEmptyFields(t *testing.T) {
	s, mock := newMockStore(t)
	updated := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO company_policies").
		WithArgs("c1", "{}", "[]", "{}", "{}").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(updated))

	p, err := s.UpsertPolicy(context.Background(), models.Policy{TenantID: "c1"})
	if err != nil {
		t.Fatalf("UpsertPolicy error: %v", err)
	}
	if !p.UpdatedAt.Equal(updated) {
		t.Fatalf("updated_at not returned, got %v", p.UpdatedAt)
	}
}

func TestGetActorNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM users WHERE id").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "company_id"}))

	if _, err := s.GetActor(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendDecisionMarksPending(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO gatekeeper_logs").
		WithArgs(sqlmock.AnyArg(), "c1", "u1", "send_email", "SUGGEST", "policy cap", "{}", sqlmock.AnyArg(), models.StreamPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	actor := "u1"
	entry, err := s.AppendDecision(context.Background(), models.DecisionLogEntry{
		TenantID: "c1",
		ActorID:  &actor,
		Action:   "send_email",
		Decision: models.AutonomySuggest,
		Reason:   "policy cap",
	})
	if err != nil {
		t.Fatalf("AppendDecision error: %v", err)
	}
	if entry.ID == uuid.Nil || entry.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned, got %+v", entry)
	}
	if string(entry.Context) != "{}" {
		t.Fatalf("expected empty context object, got %s", entry.Context)
	}
}

func TestListDecisionsFiltersAndPages(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	ts := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM gatekeeper_logs WHERE company_id = $1 AND decision = $2")).
		WithArgs("c1", "BLOCK").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(31))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $3 OFFSET $4")).
		WithArgs("c1", "BLOCK", 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "user_id", "action", "decision", "reason", "context", "timestamp"}).
			AddRow(id.String(), "c1", nil, "bulk_delete", "BLOCK", "forbidden", []byte(`{"count":3}`), ts))

	entries, total, err := s.ListDecisions(context.Background(), DecisionFilter{
		TenantID: "c1",
		Decision: models.AutonomyBlock,
		Limit:    10,
		Offset:   20,
	})
	if err != nil {
		t.Fatalf("ListDecisions error: %v", err)
	}
	if total != 31 || len(entries) != 1 {
		t.Fatalf("expected total 31 and one row, got %d and %d", total, len(entries))
	}
	got := entries[0]
	if got.ID != id || got.ActorID != nil || got.Decision != models.AutonomyBlock {
		t.Fatalf("unexpected entry %+v", got)
	}
	if string(got.Context) != `{"count":3}` {
		t.Fatalf("context not preserved, got %s", got.Context)
	}
}

func TestDecisionWhereEmpty(t *testing.T) {
	where, args := decisionWhere(DecisionFilter{})
	if where != "" || args != nil {
		t.Fatalf("expected no clauses, got %q %v", where, args)
	}
}

func TestGetWorkflowScansDefinition(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	definition := `{"nodes":[{"id":"t","type":"trigger","config":{"event":"deal.won"}}],"edges":[]}`
	mock.ExpectQuery("FROM workflows WHERE id").
		WithArgs(id, "c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "name", "description", "status", "definition", "created_by_id", "created_at", "updated_at"}).
			AddRow(id.String(), "c1", "Deals", nil, "ACTIVE", []byte(definition), "u1", now, now))

	wf, err := s.GetWorkflow(context.Background(), "c1", id)
	if err != nil {
		t.Fatalf("GetWorkflow error: %v", err)
	}
	if wf.Status != models.WorkflowActive || wf.Description != nil {
		t.Fatalf("unexpected workflow %+v", wf)
	}
	if wf.TriggerEvent() != "deal.won" {
		t.Fatalf("definition not decoded, trigger event %q", wf.TriggerEvent())
	}
}

func TestGetWorkflowOtherTenant(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM workflows WHERE id").WithArgs(id, "c2").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetWorkflow(context.Background(), "c2", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteWorkflowMissing(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec("DELETE FROM workflows").WithArgs(id, "c1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteWorkflow(context.Background(), "c1", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinishExecutionWritesLogs(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	msg := "node a: boom"
	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs("FAILED", "[]", &msg, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.FinishExecution(context.Background(), id, models.ExecutionFailed, nil, &msg); err != nil {
		t.Fatalf("FinishExecution error: %v", err)
	}
}

func TestUpdateContactBuildsSortedSet(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE contacts SET owner_id = $1, stage = $2, updated_at = now() WHERE id = $3 AND company_id = $4")).
		WithArgs("u2", "won", "k1", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateContact(context.Background(), "c1", "k1", map[string]any{"stage": "won", "ownerId": "u2"})
	if err != nil {
		t.Fatalf("UpdateContact error: %v", err)
	}
}

func TestUpdateContactRejectsUnknownField(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.UpdateContact(context.Background(), "c1", "k1", map[string]any{"company_id": "c2"})
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestSystemActorFallsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM users WHERE company_id").
		WithArgs("c1", models.RoleCompanyAdmin).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := s.SystemActorID(context.Background(), "c1")
	if err != nil {
		t.Fatalf("SystemActorID error: %v", err)
	}
	if id != "system" {
		t.Fatalf("expected system fallback, got %q", id)
	}
}
