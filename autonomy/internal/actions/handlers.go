package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zettelhub/platform/autonomy/internal/events"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/template"
)

const (
	defaultVisibility = "COMPANY"
	defaultPriority   = "MEDIUM"
	notificationSent  = "notification.sent"
)

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

func (h *handlers) render(s string, ec *models.ExecutionContext) (string, error) {
	return template.Render(s, ec.Tree(), h.deps.Templates)
}

func (h *handlers) creator(ctx context.Context, ec *models.ExecutionContext) (string, error) {
	if ec.ActorID != "" {
		return ec.ActorID, nil
	}
	return h.deps.Records.SystemActorID(ctx, ec.TenantID)
}

func (h *handlers) createZettel(ctx context.Context, params map[string]any, ec *models.ExecutionContext) (map[string]any, error) {
	title, err := h.render(stringParam(params, "title"), ec)
	if err != nil {
		return nil, fmt.Errorf("title: %w", err)
	}
	content, err := h.render(stringParam(params, "content"), ec)
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	createdBy, err := h.creator(ctx, ec)
	if err != nil {
		return nil, err
	}
	node := models.KnowledgeNode{
		TenantID:   ec.TenantID,
		Title:      title,
		Content:    content,
		NodeType:   firstNonEmpty(stringParam(params, "nodeType"), models.KnowledgeZettel),
		CreatedBy:  createdBy,
		Visibility: firstNonEmpty(stringParam(params, "visibility"), defaultVisibility),
		Tags:       stringsParam(params, "tags", []string{"workflow-created"}),
	}
	id, err := h.deps.Records.CreateKnowledgeNode(ctx, node)
	if err != nil {
		return nil, err
	}
	h.logger.Info("zettel created", "zettel_id", id, "workflow_id", ec.WorkflowID)
	return map[string]any{"zettelId": id}, nil
}

func (h *handlers) sendNotification(ctx context.Context, params map[string]any, ec *models.ExecutionContext) (map[string]any, error) {
	userID, err := h.render(stringParam(params, "userId"), ec)
	if err != nil {
		return nil, fmt.Errorf("userId: %w", err)
	}
	if userID == "" {
		return nil, errors.New("userId is required for send_notification")
	}
	title, err := h.render(stringParam(params, "title"), ec)
	if err != nil {
		return nil, fmt.Errorf("title: %w", err)
	}
	body, err := h.render(stringParam(params, "body"), ec)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	data, _ := params["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	if err := h.deps.Records.CreateNotification(ctx, models.Notification{
		TenantID: ec.TenantID,
		UserID:   userID,
		Type:     firstNonEmpty(stringParam(params, "type"), "workflow"),
		Title:    title,
		Body:     body,
		Data:     data,
	}); err != nil {
		return nil, err
	}

	if h.deps.Publisher != nil {
		ev := events.Event{
			Name:     notificationSent,
			TenantID: ec.TenantID,
			ActorID:  userID,
			Data:     map[string]any{"userId": userID, "companyId": ec.TenantID, "title": title},
		}
		// The notification is already stored; a lost fan-out event does not fail the run.
		if err := h.deps.Publisher.Publish(ctx, ev); err != nil {
			h.logger.Warn("publish notification event", "user_id", userID, "error", err)
		}
	}
	h.logger.Info("notification sent", "user_id", userID, "workflow_id", ec.WorkflowID)
	return map[string]any{"sent": true}, nil
}

func (h *handlers) updateContact(ctx context.Context, params map[string]any, ec *models.ExecutionContext) (map[string]any, error) {
	contactID, err := h.render(stringParam(params, "contactId"), ec)
	if err != nil {
		return nil, fmt.Errorf("contactId: %w", err)
	}
	if contactID == "" {
		contactID = template.Stringify(ec.Variables["contactId"])
	}
	if contactID == "" {
		return nil, errors.New("contactId is required")
	}
	data, ok := params["data"].(map[string]any)
	if !ok || len(data) == 0 {
		return nil, errors.New("data is required for update_contact")
	}
	rendered, err := template.RenderValue(data, ec.Tree(), h.deps.Templates)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if err := h.deps.Records.UpdateContact(ctx, ec.TenantID, contactID, rendered.(map[string]any)); err != nil {
		return nil, err
	}
	h.logger.Info("contact updated", "contact_id", contactID, "workflow_id", ec.WorkflowID)
	return map[string]any{"contactId": contactID, "updated": true}, nil
}

func (h *handlers) createTask(ctx context.Context, params map[string]any, ec *models.ExecutionContext) (map[string]any, error) {
	title, err := h.render(stringParam(params, "title"), ec)
	if err != nil {
		return nil, fmt.Errorf("title: %w", err)
	}
	description, err := h.render(stringParam(params, "description"), ec)
	if err != nil {
		return nil, fmt.Errorf("description: %w", err)
	}
	createdBy, err := h.creator(ctx, ec)
	if err != nil {
		return nil, err
	}
	node := models.KnowledgeNode{
		TenantID:  ec.TenantID,
		Title:     title,
		Content:   description,
		NodeType:  models.KnowledgeTask,
		CreatedBy: createdBy,
		Priority:  firstNonEmpty(stringParam(params, "priority"), defaultPriority),
		Tags:      []string{"workflow-task"},
	}
	if assignee, err := h.render(stringParam(params, "assigneeId"), ec); err != nil {
		return nil, fmt.Errorf("assigneeId: %w", err)
	} else if assignee != "" {
		node.AssigneeID = &assignee
	}
	if raw := stringParam(params, "dueDate"); raw != "" {
		due, err := parseDate(raw)
		if err != nil {
			return nil, err
		}
		node.DueDate = &due
	}
	id, err := h.deps.Records.CreateKnowledgeNode(ctx, node)
	if err != nil {
		return nil, err
	}
	h.logger.Info("task created", "task_id", id, "workflow_id", ec.WorkflowID)
	return map[string]any{"taskId": id}, nil
}

func (h *handlers) sendWebhook(ctx context.Context, params map[string]any, ec *models.ExecutionContext) (map[string]any, error) {
	url, err := h.render(stringParam(params, "url"), ec)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	if url == "" {
		return nil, errors.New("url is required for send_webhook")
	}
	custom, _ := params["payload"].(map[string]any)
	if custom == nil {
		custom = map[string]any{}
	}
	payload := map[string]any{
		"event":      ec.Trigger.Event,
		"data":       ec.Trigger.Data,
		"workflowId": ec.WorkflowID,
		"custom":     custom,
	}
	status, err := h.deps.Webhooks.Post(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	h.logger.Info("webhook sent", "url", url, "status", status, "workflow_id", ec.WorkflowID)
	return map[string]any{"sent": true, "status": status}, nil
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return template.Stringify(v)
	}
}

func stringsParam(params map[string]any, key string, fallback []string) []string {
	raw, ok := params[key].([]any)
	if !ok || len(raw) == 0 {
		if typed, ok := params[key].([]string); ok && len(typed) > 0 {
			return typed
		}
		return fallback
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, template.Stringify(v))
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("dueDate %q is not an RFC 3339 timestamp or date", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
