// Package actions holds the side effects a workflow action node can trigger.
package actions

import (
	"context"
	"log/slog"

	"github.com/zettelhub/platform/autonomy/internal/events"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/template"
)

// Kind identifies an action.
type Kind string

const (
	CreateZettel     Kind = "create_zettel"
	SendNotification Kind = "send_notification"
	UpdateContact    Kind = "update_contact"
	CreateTask       Kind = "create_task"
	SendWebhook      Kind = "send_webhook"
	SendMessage      Kind = "send_message"
)

// IsExternal reports whether the action is visible outside the platform and
// must be cleared by the gatekeeper before it runs.
func (k Kind) IsExternal() bool {
	switch k {
	case SendNotification, SendWebhook, SendMessage, UpdateContact:
		return true
	}
	return false
}

// Supported reports whether a handler exists for k. send_message is gated but
// has no handler.
func (k Kind) Supported() bool {
	switch k {
	case CreateZettel, SendNotification, UpdateContact, CreateTask, SendWebhook:
		return true
	}
	return false
}

// Handler performs one action with its node params and returns the node result.
type Handler func(ctx context.Context, params map[string]any, ec *models.ExecutionContext) (map[string]any, error)

// Table maps action kinds to handlers.
type Table map[Kind]Handler

func (t Table) Lookup(k Kind) (Handler, bool) {
	h, ok := t[k]
	return h, ok
}

// Records writes the business entities actions create or change.
type Records interface {
	CreateKnowledgeNode(ctx context.Context, n models.KnowledgeNode) (string, error)
	CreateNotification(ctx context.Context, n models.Notification) error
	UpdateContact(ctx context.Context, tenantID, contactID string, data map[string]any) error
	SystemActorID(ctx context.Context, tenantID string) (string, error)
}

// WebhookSender posts a JSON payload and returns the response status.
type WebhookSender interface {
	Post(ctx context.Context, url string, payload any) (int, error)
}

type Deps struct {
	Records   Records
	Publisher events.Publisher
	Webhooks  WebhookSender
	Templates template.Mode
	Logger    *slog.Logger
}

// NewTable builds the default dispatch table. Handlers whose collaborator is
// missing are left out, so those actions fail as unknown.
func NewTable(d Deps) Table {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{deps: d, logger: d.Logger.With("component", "actions")}
	t := Table{}
	if d.Records != nil {
		t[CreateZettel] = h.createZettel
		t[SendNotification] = h.sendNotification
		t[UpdateContact] = h.updateContact
		t[CreateTask] = h.createTask
	}
	if d.Webhooks != nil {
		t[SendWebhook] = h.sendWebhook
	}
	return t
}
