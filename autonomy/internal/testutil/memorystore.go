package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/store"
)

// MemoryStore is an in-memory implementation of store.Store and of the
// business-record collaborator used by workflow actions. Safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	Policies   map[string]models.Policy
	Profiles   map[string]models.AttentionProfile
	Actors     map[string]models.Actor
	Decisions  []models.DecisionLogEntry
	Dismissals map[string][]time.Time
	Workflows  map[uuid.UUID]models.Workflow
	Executions map[uuid.UUID]models.Execution

	KnowledgeNodes []models.KnowledgeNode
	Notifications  []models.Notification
	ContactUpdates map[string]map[string]any

	// Fail, when set, is returned by every read and write.
	Fail error

	// NowFunc allows tests to control timestamps.
	NowFunc func() time.Time
}

// NewMemoryStore returns a MemoryStore with empty state.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Policies:       make(map[string]models.Policy),
		Profiles:       make(map[string]models.AttentionProfile),
		Actors:         make(map[string]models.Actor),
		Dismissals:     make(map[string][]time.Time),
		Workflows:      make(map[uuid.UUID]models.Workflow),
		Executions:     make(map[uuid.UUID]models.Execution),
		ContactUpdates: make(map[string]map[string]any),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc()
	}
	return time.Now().UTC()
}

// AddActor registers an actor.
func (m *MemoryStore) AddActor(id, role, tenantID string) models.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := models.Actor{ID: id, Role: role, TenantID: tenantID}
	m.Actors[id] = a
	return a
}

// SeedDecisions appends n decisions for actor with the given outcome at ts.
func (m *MemoryStore) SeedDecisions(actorID, tenantID string, decision models.AutonomyLevel, n int, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		id := actorID
		m.Decisions = append(m.Decisions, models.DecisionLogEntry{
			ID:        uuid.New(),
			TenantID:  tenantID,
			ActorID:   &id,
			Action:    "seed",
			Decision:  decision,
			Reason:    "seed",
			Timestamp: ts,
		})
	}
}

// Dismiss records n dismissed reminders for actor at ts.
func (m *MemoryStore) Dismiss(actorID string, n int, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.Dismissals[actorID] = append(m.Dismissals[actorID], ts)
	}
}

// DecisionCount returns the number of recorded decisions.
func (m *MemoryStore) DecisionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Decisions)
}

// --- store.PolicyRepository / PolicyWriter ---

func (m *MemoryStore) GetPolicy(ctx context.Context, tenantID string) (models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.Policy{}, m.Fail
	}
	p, ok := m.Policies[tenantID]
	if !ok {
		return models.Policy{}, store.ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) UpsertPolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.Policy{}, m.Fail
	}
	p.UpdatedAt = m.now()
	m.Policies[p.TenantID] = p
	return p, nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, actorID string) (models.AttentionProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.AttentionProfile{}, m.Fail
	}
	p, ok := m.Profiles[actorID]
	if !ok {
		return models.AttentionProfile{}, store.ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) UpsertProfile(ctx context.Context, p models.AttentionProfile) (models.AttentionProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.AttentionProfile{}, m.Fail
	}
	if p.Level == "" {
		p.Level = models.AttentionBalanced
	}
	p.UpdatedAt = m.now()
	m.Profiles[p.ActorID] = p
	return p, nil
}

func (m *MemoryStore) GetActor(ctx context.Context, actorID string) (models.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.Actor{}, m.Fail
	}
	a, ok := m.Actors[actorID]
	if !ok {
		return models.Actor{}, store.ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) CountRecentDecisions(ctx context.Context, actorID string, decisions []models.AutonomyLevel, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, m.Fail
	}
	n := 0
	for _, d := range m.Decisions {
		if d.ActorID == nil || *d.ActorID != actorID || d.Timestamp.Before(since) {
			continue
		}
		for _, want := range decisions {
			if d.Decision == want {
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) CountDismissedReminders(ctx context.Context, actorID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, m.Fail
	}
	n := 0
	for _, ts := range m.Dismissals[actorID] {
		if !ts.Before(since) {
			n++
		}
	}
	return n, nil
}

// --- store.DecisionLog ---

func (m *MemoryStore) AppendDecision(ctx context.Context, entry models.DecisionLogEntry) (models.DecisionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.DecisionLogEntry{}, m.Fail
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.Decisions = append(m.Decisions, entry)
	return entry, nil
}

func (m *MemoryStore) ListDecisions(ctx context.Context, f store.DecisionFilter) ([]models.DecisionLogEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, 0, m.Fail
	}
	var matched []models.DecisionLogEntry
	for _, d := range m.Decisions {
		if f.TenantID != "" && d.TenantID != f.TenantID {
			continue
		}
		if f.ActorID != "" && (d.ActorID == nil || *d.ActorID != f.ActorID) {
			continue
		}
		if f.Action != "" && d.Action != f.Action {
			continue
		}
		if f.Decision != "" && d.Decision != f.Decision {
			continue
		}
		if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
			continue
		}
		matched = append(matched, d)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// --- store.WorkflowStore ---

func (m *MemoryStore) CreateWorkflow(ctx context.Context, in store.WorkflowInput) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.Workflow{}, m.Fail
	}
	status := in.Status
	if status == "" {
		status = models.WorkflowDraft
	}
	now := m.now()
	wf := models.Workflow{
		ID:          uuid.New(),
		TenantID:    in.TenantID,
		Name:        in.Name,
		Description: in.Description,
		Status:      status,
		Definition:  in.Definition,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.Workflows[wf.ID] = wf
	return wf, nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, tenantID string, id uuid.UUID) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.Workflows[id]
	if !ok || wf.TenantID != tenantID {
		return models.Workflow{}, store.ErrNotFound
	}
	return wf, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, tenantID string, status models.WorkflowStatus) ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Workflow
	for _, wf := range m.Workflows {
		if wf.TenantID != tenantID || (status != "" && wf.Status != status) {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateWorkflow(ctx context.Context, tenantID string, id uuid.UUID, in store.WorkflowInput) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.Workflows[id]
	if !ok || wf.TenantID != tenantID {
		return models.Workflow{}, store.ErrNotFound
	}
	wf.Name = in.Name
	wf.Description = in.Description
	wf.Definition = in.Definition
	wf.UpdatedAt = m.now()
	m.Workflows[id] = wf
	return wf, nil
}

func (m *MemoryStore) SetWorkflowStatus(ctx context.Context, tenantID string, id uuid.UUID, status models.WorkflowStatus) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.Workflows[id]
	if !ok || wf.TenantID != tenantID {
		return models.Workflow{}, store.ErrNotFound
	}
	wf.Status = status
	wf.UpdatedAt = m.now()
	m.Workflows[id] = wf
	return wf, nil
}

func (m *MemoryStore) DeleteWorkflow(ctx context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.Workflows[id]
	if !ok || wf.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(m.Workflows, id)
	return nil
}

func (m *MemoryStore) ListActiveWorkflowsForEvent(ctx context.Context, tenantID, event string) ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	var out []models.Workflow
	for _, wf := range m.Workflows {
		if wf.Status != models.WorkflowActive || wf.TriggerEvent() != event {
			continue
		}
		if tenantID != "" && wf.TenantID != tenantID {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- store.ExecutionStore ---

func (m *MemoryStore) CreateExecution(ctx context.Context, in store.ExecutionInput) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return models.Execution{}, m.Fail
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	ex := models.Execution{
		ID:         in.ID,
		WorkflowID: in.WorkflowID,
		Status:     models.ExecutionRunning,
		Context:    in.Context,
		Logs:       []models.NodeLog{},
		StartedAt:  m.now(),
	}
	m.Executions[ex.ID] = ex
	return ex, nil
}

func (m *MemoryStore) FinishExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, logs []models.NodeLog, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.Executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if logs == nil {
		logs = []models.NodeLog{}
	}
	finished := m.now()
	ex.Status = status
	ex.Logs = append([]models.NodeLog(nil), logs...)
	ex.Error = errMsg
	ex.FinishedAt = &finished
	m.Executions[id] = ex
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.Executions[id]
	if !ok {
		return models.Execution{}, store.ErrNotFound
	}
	return ex, nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, workflowID uuid.UUID, limit int) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, ex := range m.Executions {
		if ex.WorkflowID == workflowID {
			out = append(out, ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExecutionsByStatus returns all executions in the given state.
func (m *MemoryStore) ExecutionsByStatus(status models.ExecutionStatus) []models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, ex := range m.Executions {
		if ex.Status == status {
			out = append(out, ex)
		}
	}
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.Fail
}

// --- business records ---

func (m *MemoryStore) CreateKnowledgeNode(ctx context.Context, n models.KnowledgeNode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return "", m.Fail
	}
	m.KnowledgeNodes = append(m.KnowledgeNodes, n)
	return fmt.Sprintf("kn-%d", len(m.KnowledgeNodes)), nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Notifications = append(m.Notifications, n)
	return nil
}

func (m *MemoryStore) UpdateContact(ctx context.Context, tenantID, contactID string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.ContactUpdates[contactID] = data
	return nil
}

func (m *MemoryStore) SystemActorID(ctx context.Context, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for _, a := range m.Actors {
		if a.TenantID == tenantID && a.Role == models.RoleCompanyAdmin {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return "system", nil
	}
	sort.Strings(ids)
	return ids[0], nil
}

var _ store.Store = (*MemoryStore)(nil)
