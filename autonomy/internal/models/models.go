package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AutonomyLevel is the outcome of a gatekeeper decision. The four values are
// distinct outcomes, each with its own precedence rule; they are not ordered.
type AutonomyLevel string

const (
	AutonomyExecute AutonomyLevel = "EXECUTE"
	AutonomySuggest AutonomyLevel = "SUGGEST"
	AutonomyLogOnly AutonomyLevel = "LOG_ONLY"
	AutonomyBlock   AutonomyLevel = "BLOCK"
)

// Valid reports whether l is one of the four known levels.
func (l AutonomyLevel) Valid() bool {
	switch l {
	case AutonomyExecute, AutonomySuggest, AutonomyLogOnly, AutonomyBlock:
		return true
	}
	return false
}

// Roles referenced by the built-in policy and the admin-only routes.
const (
	RoleViewer       = "viewer"
	RoleAgent        = "agent"
	RoleSupervisor   = "supervisor"
	RoleCompanyAdmin = "company_admin"
	RoleSuperAdmin   = "super_admin"
)

// Actor is the user on whose behalf an action is attempted.
type Actor struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	TenantID string `json:"companyId"`
}

// AuditRules controls retention of decision logs for a tenant.
type AuditRules struct {
	RetentionDays *int  `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	Immutable     *bool `json:"immutable,omitempty" yaml:"immutable,omitempty"`
	ExportAllowed *bool `json:"export_allowed,omitempty" yaml:"export_allowed,omitempty"`
}

// RateLimits caps automated activity for a tenant. Nil fields are unlimited.
type RateLimits struct {
	AICallsPerUserPerDay    *int `json:"ai_calls_per_user_per_day,omitempty" yaml:"ai_calls_per_user_per_day,omitempty"`
	AICallsPerCompanyPerDay *int `json:"ai_calls_per_company_per_day,omitempty" yaml:"ai_calls_per_company_per_day,omitempty"`
	AutomationsPerHour      *int `json:"automations_per_hour,omitempty" yaml:"automations_per_hour,omitempty"`
}

// Policy is the per-tenant autonomy policy. The gatekeeper only reads it.
type Policy struct {
	TenantID    string                              `json:"companyId,omitempty" yaml:"-"`
	MaxAutonomy map[string]map[string]AutonomyLevel `json:"maxAutonomy" yaml:"maxAutonomy"`
	Forbidden   []string                            `json:"forbidden" yaml:"forbidden"`
	AuditRules  AuditRules                          `json:"auditRules" yaml:"auditRules"`
	RateLimits  RateLimits                          `json:"rateLimits" yaml:"rateLimits"`
	UpdatedAt   time.Time                           `json:"updatedAt,omitempty" yaml:"-"`
}

// IsForbidden reports whether action is on the tenant's forbidden list.
func (p Policy) IsForbidden(action string) bool {
	for _, f := range p.Forbidden {
		if f == action {
			return true
		}
	}
	return false
}

// AttentionLevel is the coarse notification appetite of an actor.
type AttentionLevel string

const (
	AttentionSilent   AttentionLevel = "SILENT"
	AttentionBalanced AttentionLevel = "BALANCED"
	AttentionActive   AttentionLevel = "ACTIVE"
)

// QuietWindow is a recurring local-time interval. Days use ISO numbering
// (1=Monday .. 7=Sunday); an empty list means every day.
type QuietWindow struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Days     []int  `json:"days,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// VIPList holds entity ids that grant an autonomy override.
type VIPList struct {
	Contacts []string `json:"contacts"`
	Projects []string `json:"projects"`
	Deals    []string `json:"deals"`
}

// Channels holds per-channel delivery toggles. A nil toggle counts as enabled.
type Channels struct {
	Email    *bool `json:"email,omitempty"`
	Push     *bool `json:"push,omitempty"`
	InApp    *bool `json:"inapp,omitempty"`
	WhatsApp *bool `json:"whatsapp,omitempty"`
	SMS      *bool `json:"sms,omitempty"`
}

// AttentionProfile is the per-actor preference record.
type AttentionProfile struct {
	ActorID    string                   `json:"userId,omitempty"`
	Level      AttentionLevel           `json:"level"`
	QuietHours []QuietWindow            `json:"quietHours"`
	Channels   Channels                 `json:"channels"`
	VIPList    VIPList                  `json:"vipList"`
	Autonomy   map[string]AutonomyLevel `json:"autonomy"`
	UpdatedAt  time.Time                `json:"updatedAt,omitempty"`
}

// DecisionLogEntry is the immutable record written for every decision.
type DecisionLogEntry struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  string          `json:"companyId"`
	ActorID   *string         `json:"userId,omitempty"`
	Action    string          `json:"action"`
	Decision  AutonomyLevel   `json:"decision"`
	Reason    string          `json:"reason"`
	Context   json.RawMessage `json:"context"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stream states for decision rows awaiting export.
const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamDone       = "done"
	StreamFailed     = "failed"
)

// WorkflowStatus is the lifecycle state of a stored workflow.
type WorkflowStatus string

const (
	WorkflowDraft  WorkflowStatus = "DRAFT"
	WorkflowActive WorkflowStatus = "ACTIVE"
	WorkflowPaused WorkflowStatus = "PAUSED"
)

// NodeType enumerates workflow step kinds.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeDelay     NodeType = "delay"
)

// Node is a single typed step of a workflow graph. Config is interpreted per type.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config" yaml:"config"`
}

// Edge connects two nodes. Label selects the branch out of a condition node.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// WorkflowGraph is the declarative definition of an automation.
type WorkflowGraph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Workflow is a stored automation owned by a tenant.
type Workflow struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    string         `json:"companyId"`
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Definition  WorkflowGraph  `json:"definition"`
	CreatedBy   string         `json:"createdById"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TriggerEvent returns the event name configured on the workflow's trigger node.
func (w Workflow) TriggerEvent() string {
	for _, n := range w.Definition.Nodes {
		if n.Type == NodeTrigger {
			if ev, ok := n.Config["event"].(string); ok {
				return ev
			}
		}
	}
	return ""
}

// ExecutionStatus is the state of a single workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// TriggerInfo carries the event that started a run.
type TriggerInfo struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ExecutionContext is the per-run bag of trigger data and variables.
type ExecutionContext struct {
	WorkflowID string         `json:"workflowId"`
	TenantID   string         `json:"companyId"`
	Trigger    TriggerInfo    `json:"trigger"`
	Variables  map[string]any `json:"variables"`
	ActorID    string         `json:"userId,omitempty"`
}

// Tree returns the context as the map used for path resolution and templating.
func (c *ExecutionContext) Tree() map[string]any {
	vars := c.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"workflowId": c.WorkflowID,
		"companyId":  c.TenantID,
		"trigger": map[string]any{
			"event": c.Trigger.Event,
			"data":  c.Trigger.Data,
		},
		"variables": vars,
		"userId":    c.ActorID,
	}
}

// NodeLog is the per-node entry of an execution log.
type NodeLog struct {
	NodeID     string         `json:"nodeId"`
	Type       NodeType       `json:"type"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    time.Time      `json:"endTime"`
	DurationMs int64          `json:"duration"`
	Result     map[string]any `json:"result"`
	Error      *string        `json:"error"`
	Success    bool           `json:"success"`
}

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID         uuid.UUID        `json:"id"`
	WorkflowID uuid.UUID        `json:"workflowId"`
	Status     ExecutionStatus  `json:"status"`
	Context    ExecutionContext `json:"context"`
	Logs       []NodeLog        `json:"logs"`
	Error      *string          `json:"error,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
}
