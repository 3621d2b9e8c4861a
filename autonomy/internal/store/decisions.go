package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

const defaultDecisionPage = 50

func (s *PGStore) AppendDecision(ctx context.Context, entry models.DecisionLogEntry) (models.DecisionLogEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Context = ensureJSON(entry.Context, "{}")

	query := `
		INSERT INTO gatekeeper_logs (id, company_id, user_id, action, decision, reason, context, timestamp, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	if _, err := s.db.ExecContext(
		ctx,
		query,
		entry.ID,
		entry.TenantID,
		entry.ActorID,
		entry.Action,
		string(entry.Decision),
		entry.Reason,
		string(entry.Context),
		entry.Timestamp,
		models.StreamPending,
	); err != nil {
		return models.DecisionLogEntry{}, fmt.Errorf("insert decision: %w", err)
	}
	return entry, nil
}

func (s *PGStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]models.DecisionLogEntry, int, error) {
	where, args := decisionWhere(filter)

	var total int
	countQuery := `SELECT count(*) FROM gatekeeper_logs` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count decisions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDecisionPage
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT id, company_id, user_id, action, decision, reason, context, timestamp
		FROM gatekeeper_logs%s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionLogEntry
	for rows.Next() {
		entry, err := scanDecision(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, total, nil
}

func decisionWhere(f DecisionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("company_id = $%d", f.TenantID)
	}
	if f.ActorID != "" {
		add("user_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Decision != "" {
		add("decision = $%d", string(f.Decision))
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (models.DecisionLogEntry, error) {
	var (
		entry      models.DecisionLogEntry
		actorID    sql.NullString
		decision   string
		rawContext []byte
	)
	if err := row.Scan(&entry.ID, &entry.TenantID, &actorID, &entry.Action, &decision, &entry.Reason, &rawContext, &entry.Timestamp); err != nil {
		return models.DecisionLogEntry{}, fmt.Errorf("scan decision: %w", err)
	}
	entry.ActorID = nullString(actorID)
	entry.Decision = models.AutonomyLevel(decision)
	entry.Context = ensureJSON(rawContext, "{}")
	return entry, nil
}

// FetchPendingDecisions claims up to limit pending decision rows for export.
// Rows are locked with SKIP LOCKED so concurrent streamers never share a row.
func (s *PGStore) FetchPendingDecisions(ctx context.Context, limit int) ([]models.DecisionLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT id, company_id, user_id, action, decision, reason, context, timestamp
		FROM gatekeeper_logs
		WHERE stream_status IN ('pending', 'failed') AND stream_attempts < 5
		ORDER BY timestamp
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending decisions: %w", err)
	}
	var (
		claimed []models.DecisionLogEntry
		ids     []uuid.UUID
	)
	for rows.Next() {
		entry, err := scanDecision(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, entry)
		ids = append(ids, entry.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending decisions: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE gatekeeper_logs
			SET stream_status = $1, stream_attempts = stream_attempts + 1
			WHERE id = $2
		`, models.StreamInProgress, id); err != nil {
			return nil, fmt.Errorf("claim decision %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkDecisionStreamResult records the outcome of exporting one decision row.
func (s *PGStore) MarkDecisionStreamResult(ctx context.Context, id uuid.UUID, archiveKey sql.NullString, success bool, errMsg sql.NullString) error {
	status := models.StreamFailed
	var streamedAt sql.NullTime
	if success {
		status = models.StreamDone
		streamedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE gatekeeper_logs
		SET stream_status = $1, archive_key = $2, stream_error = $3, streamed_at = $4
		WHERE id = $5
	`, status, archiveKey, errMsg, streamedAt, id)
	if err != nil {
		return fmt.Errorf("mark decision stream result: %w", err)
	}
	return nil
}
