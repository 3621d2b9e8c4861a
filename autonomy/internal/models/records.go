package models

import "time"

// Knowledge node kinds written by workflow actions.
const (
	KnowledgeZettel = "ZETTEL"
	KnowledgeTask   = "TASK"
)

// KnowledgeNode is a zettel or task created by an automation.
type KnowledgeNode struct {
	TenantID   string
	Title      string
	Content    string
	NodeType   string
	CreatedBy  string
	Visibility string
	Tags       []string
	AssigneeID *string
	DueDate    *time.Time
	Priority   string
}

// Notification is an in-app notification addressed to a user.
type Notification struct {
	TenantID string
	UserID   string
	Type     string
	Title    string
	Body     string
	Data     map[string]any
}
