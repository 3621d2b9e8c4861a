package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
)

// PolicyRepository is the read side used by the gatekeeper. GetPolicy and
// GetProfile return ErrNotFound when no record exists; callers apply defaults.
type PolicyRepository interface {
	GetPolicy(ctx context.Context, tenantID string) (models.Policy, error)
	GetProfile(ctx context.Context, actorID string) (models.AttentionProfile, error)
	GetActor(ctx context.Context, actorID string) (models.Actor, error)
	CountRecentDecisions(ctx context.Context, actorID string, decisions []models.AutonomyLevel, since time.Time) (int, error)
	CountDismissedReminders(ctx context.Context, actorID string, since time.Time) (int, error)
}

// PolicyWriter is used by administration routes.
type PolicyWriter interface {
	UpsertPolicy(ctx context.Context, p models.Policy) (models.Policy, error)
	UpsertProfile(ctx context.Context, p models.AttentionProfile) (models.AttentionProfile, error)
}

// DecisionLog persists gatekeeper decisions.
type DecisionLog interface {
	AppendDecision(ctx context.Context, entry models.DecisionLogEntry) (models.DecisionLogEntry, error)
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]models.DecisionLogEntry, int, error)
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, in WorkflowInput) (models.Workflow, error)
	GetWorkflow(ctx context.Context, tenantID string, id uuid.UUID) (models.Workflow, error)
	ListWorkflows(ctx context.Context, tenantID string, status models.WorkflowStatus) ([]models.Workflow, error)
	UpdateWorkflow(ctx context.Context, tenantID string, id uuid.UUID, in WorkflowInput) (models.Workflow, error)
	SetWorkflowStatus(ctx context.Context, tenantID string, id uuid.UUID, status models.WorkflowStatus) (models.Workflow, error)
	DeleteWorkflow(ctx context.Context, tenantID string, id uuid.UUID) error
	// ListActiveWorkflowsForEvent returns ACTIVE workflows whose trigger listens
	// for event. An empty tenantID matches every tenant.
	ListActiveWorkflowsForEvent(ctx context.Context, tenantID, event string) ([]models.Workflow, error)
}

// ExecutionStore persists workflow run records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, in ExecutionInput) (models.Execution, error)
	FinishExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, logs []models.NodeLog, errMsg *string) error
	GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error)
	ListExecutions(ctx context.Context, workflowID uuid.UUID, limit int) ([]models.Execution, error)
}

// Store is the full persistence contract of the service.
type Store interface {
	PolicyRepository
	PolicyWriter
	DecisionLog
	WorkflowStore
	ExecutionStore
	Ping(ctx context.Context) error
}

// DecisionFilter narrows ListDecisions. Zero values are ignored.
type DecisionFilter struct {
	TenantID string
	ActorID  string
	Action   string
	Decision models.AutonomyLevel
	Since    time.Time
	Limit    int
	Offset   int
}

type WorkflowInput struct {
	Name        string
	Description *string
	Status      models.WorkflowStatus
	Definition  models.WorkflowGraph
	TenantID    string
	CreatedBy   string
}

type ExecutionInput struct {
	ID         uuid.UUID
	WorkflowID uuid.UUID
	Context    models.ExecutionContext
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(fallback)
	}
	return raw
}

// marshalJSON encodes v for a jsonb parameter. Strings are used because lib/pq
// sends []byte as bytea.
func marshalJSON(v any, fallback string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(ensureJSON(b, fallback)), nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
