package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

// Business tables below belong to the wider platform schema. Workflow actions
// write to them through these methods only.

// contactColumns lists the contact fields an automation may change.
var contactColumns = map[string]string{
	"name":    "name",
	"email":   "email",
	"phone":   "phone",
	"status":  "status",
	"stage":   "stage",
	"ownerId": "owner_id",
	"score":   "score",
	"notes":   "notes",
}

func (s *PGStore) CreateKnowledgeNode(ctx context.Context, n models.KnowledgeNode) (string, error) {
	id := uuid.New()
	query := `
		INSERT INTO knowledge_nodes
			(id, company_id, title, content, node_type, created_by_id, visibility, tags, assignee_id, due_date, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	var priority sql.NullString
	if n.Priority != "" {
		priority = sql.NullString{String: n.Priority, Valid: true}
	}
	var visibility sql.NullString
	if n.Visibility != "" {
		visibility = sql.NullString{String: n.Visibility, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, query,
		id, n.TenantID, n.Title, n.Content, n.NodeType, n.CreatedBy, visibility,
		pq.Array(n.Tags), n.AssigneeID, n.DueDate, priority,
	); err != nil {
		return "", fmt.Errorf("insert knowledge node: %w", err)
	}
	return id.String(), nil
}

func (s *PGStore) CreateNotification(ctx context.Context, n models.Notification) error {
	data, err := marshalJSON(n.Data, "{}")
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	query := `
		INSERT INTO notifications (id, company_id, user_id, type, title, body, data)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.New(), n.TenantID, n.UserID, n.Type, n.Title, n.Body, data); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// UpdateContact applies data to a contact of the tenant. Unknown keys are rejected.
func (s *PGStore) UpdateContact(ctx context.Context, tenantID, contactID string, data map[string]any) error {
	if len(data) == 0 {
		return errors.New("update contact: no fields to update")
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		col := contactColumns[k]
		if col == "" {
			return fmt.Errorf("update contact: field %q is not writable", k)
		}
		args = append(args, data[k])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, contactID, tenantID)
	query := fmt.Sprintf(`UPDATE contacts SET %s, updated_at = now() WHERE id = $%d AND company_id = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SystemActorID returns the first company admin of the tenant, or "system".
func (s *PGStore) SystemActorID(ctx context.Context, tenantID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM users WHERE company_id = $1 AND role = $2 ORDER BY created_at LIMIT 1
	`, tenantID, models.RoleCompanyAdmin).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "system", nil
	}
	if err != nil {
		return "", fmt.Errorf("system actor: %w", err)
	}
	return id, nil
}
