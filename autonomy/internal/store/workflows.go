package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

const workflowColumns = `id, company_id, name, description, status, definition, created_by_id, created_at, updated_at`

func (s *PGStore) CreateWorkflow(ctx context.Context, in WorkflowInput) (models.Workflow, error) {
	definition, err := marshalJSON(in.Definition, "{}")
	if err != nil {
		return models.Workflow{}, fmt.Errorf("encode definition: %w", err)
	}
	if in.Status == "" {
		in.Status = models.WorkflowDraft
	}
	id := uuid.New()
	query := `
		INSERT INTO workflows (id, company_id, name, description, status, definition, created_by_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + workflowColumns
	row := s.db.QueryRowContext(ctx, query, id, in.TenantID, in.Name, in.Description, string(in.Status), definition, in.CreatedBy)
	wf, err := scanWorkflow(row)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return wf, nil
}

func (s *PGStore) GetWorkflow(ctx context.Context, tenantID string, id uuid.UUID) (models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1 AND company_id = $2`, id, tenantID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *PGStore) ListWorkflows(ctx context.Context, tenantID string, status models.WorkflowStatus) ([]models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE company_id = $1`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`
	return s.queryWorkflows(ctx, query, args...)
}

func (s *PGStore) UpdateWorkflow(ctx context.Context, tenantID string, id uuid.UUID, in WorkflowInput) (models.Workflow, error) {
	definition, err := marshalJSON(in.Definition, "{}")
	if err != nil {
		return models.Workflow{}, fmt.Errorf("encode definition: %w", err)
	}
	query := `
		UPDATE workflows
		SET name = $1, description = $2, definition = $3, updated_at = now()
		WHERE id = $4 AND company_id = $5
		RETURNING ` + workflowColumns
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, query, in.Name, in.Description, definition, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("update workflow: %w", err)
	}
	return wf, nil
}

func (s *PGStore) SetWorkflowStatus(ctx context.Context, tenantID string, id uuid.UUID, status models.WorkflowStatus) (models.Workflow, error) {
	query := `
		UPDATE workflows SET status = $1, updated_at = now()
		WHERE id = $2 AND company_id = $3
		RETURNING ` + workflowColumns
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, query, string(status), id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("set workflow status: %w", err)
	}
	return wf, nil
}

func (s *PGStore) DeleteWorkflow(ctx context.Context, tenantID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1 AND company_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListActiveWorkflowsForEvent(ctx context.Context, tenantID, event string) ([]models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE status = 'ACTIVE'
		  AND definition->'nodes' @> jsonb_build_array(
		        jsonb_build_object('type', 'trigger', 'config', jsonb_build_object('event', $1::text)))
		  AND ($2 = '' OR company_id = $2)
	`
	return s.queryWorkflows(ctx, query, event, tenantID)
}

func (s *PGStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

func scanWorkflow(row rowScanner) (models.Workflow, error) {
	var (
		wf          models.Workflow
		description sql.NullString
		status      string
		definition  []byte
	)
	if err := row.Scan(&wf.ID, &wf.TenantID, &wf.Name, &description, &status, &definition, &wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return models.Workflow{}, err
	}
	wf.Description = nullString(description)
	wf.Status = models.WorkflowStatus(status)
	if len(definition) > 0 {
		if err := json.Unmarshal(definition, &wf.Definition); err != nil {
			return models.Workflow{}, fmt.Errorf("decode definition: %w", err)
		}
	}
	return wf, nil
}

func (s *PGStore) CreateExecution(ctx context.Context, in ExecutionInput) (models.Execution, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	execContext, err := marshalJSON(in.Context, "{}")
	if err != nil {
		return models.Execution{}, fmt.Errorf("encode execution context: %w", err)
	}
	query := `
		INSERT INTO workflow_executions (id, workflow_id, status, context, logs)
		VALUES ($1,$2,$3,$4,'[]')
		RETURNING started_at
	`
	var startedAt time.Time
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.WorkflowID, string(models.ExecutionRunning), execContext).Scan(&startedAt); err != nil {
		return models.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	return models.Execution{
		ID:         in.ID,
		WorkflowID: in.WorkflowID,
		Status:     models.ExecutionRunning,
		Context:    in.Context,
		Logs:       []models.NodeLog{},
		StartedAt:  startedAt,
	}, nil
}

func (s *PGStore) FinishExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, logs []models.NodeLog, errMsg *string) error {
	if logs == nil {
		logs = []models.NodeLog{}
	}
	rawLogs, err := marshalJSON(logs, "[]")
	if err != nil {
		return fmt.Errorf("encode execution logs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, logs = $2, error = $3, finished_at = now()
		WHERE id = $4
	`, string(status), rawLogs, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const executionColumns = `id, workflow_id, status, context, logs, error, started_at, finished_at`

func (s *PGStore) GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error) {
	ex, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Execution{}, ErrNotFound
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return ex, nil
}

func (s *PGStore) ListExecutions(ctx context.Context, workflowID uuid.UUID, limit int) ([]models.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []models.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func scanExecution(row rowScanner) (models.Execution, error) {
	var (
		ex         models.Execution
		status     string
		rawContext []byte
		rawLogs    []byte
		errMsg     sql.NullString
		finishedAt sql.NullTime
	)
	if err := row.Scan(&ex.ID, &ex.WorkflowID, &status, &rawContext, &rawLogs, &errMsg, &ex.StartedAt, &finishedAt); err != nil {
		return models.Execution{}, err
	}
	ex.Status = models.ExecutionStatus(status)
	ex.Error = nullString(errMsg)
	if finishedAt.Valid {
		t := finishedAt.Time
		ex.FinishedAt = &t
	}
	if err := unmarshalAll(field{rawContext, &ex.Context}, field{rawLogs, &ex.Logs}); err != nil {
		return models.Execution{}, fmt.Errorf("decode execution: %w", err)
	}
	if ex.Logs == nil {
		ex.Logs = []models.NodeLog{}
	}
	return ex, nil
}
