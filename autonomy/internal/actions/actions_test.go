package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zettelhub/platform/autonomy/internal/events"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/template"
	"github.com/zettelhub/platform/autonomy/internal/testutil"
)

func execContext() *models.ExecutionContext {
	return &models.ExecutionContext{
		WorkflowID: "wf-1",
		TenantID:   "c1",
		Trigger: models.TriggerInfo{
			Event: "deal.won",
			Data:  map[string]any{"dealId": "d-1", "ownerId": "u-owner", "name": "Acme"},
		},
		Variables: map[string]any{"contactId": "ct-1"},
	}
}

func TestKindClassification(t *testing.T) {
	for _, k := range []Kind{SendNotification, SendWebhook, SendMessage, UpdateContact} {
		assert.True(t, k.IsExternal(), k)
	}
	for _, k := range []Kind{CreateZettel, CreateTask} {
		assert.False(t, k.IsExternal(), k)
	}
	assert.False(t, SendMessage.Supported())
	assert.False(t, Kind("delete_everything").Supported())
	assert.True(t, CreateTask.Supported())
}

func TestNewTableOmitsMissingCollaborators(t *testing.T) {
	table := NewTable(Deps{Records: testutil.NewMemoryStore()})
	_, ok := table.Lookup(SendWebhook)
	assert.False(t, ok)
	_, ok = table.Lookup(CreateZettel)
	assert.True(t, ok)
	_, ok = table.Lookup(SendMessage)
	assert.False(t, ok)
}

func TestCreateZettelFallsBackToSystemActor(t *testing.T) {
	mem := testutil.NewMemoryStore()
	mem.AddActor("admin-1", models.RoleCompanyAdmin, "c1")
	table := NewTable(Deps{Records: mem})

	res, err := table[CreateZettel](context.Background(), map[string]any{
		"title":   "Won {{trigger.data.name}}",
		"content": "Deal {{trigger.data.dealId}} {{trigger.data.missing}}",
	}, execContext())
	require.NoError(t, err)
	assert.Equal(t, "kn-1", res["zettelId"])

	require.Len(t, mem.KnowledgeNodes, 1)
	n := mem.KnowledgeNodes[0]
	assert.Equal(t, "Won Acme", n.Title)
	assert.Equal(t, "Deal d-1 ", n.Content)
	assert.Equal(t, models.KnowledgeZettel, n.NodeType)
	assert.Equal(t, "COMPANY", n.Visibility)
	assert.Equal(t, []string{"workflow-created"}, n.Tags)
	assert.Equal(t, "admin-1", n.CreatedBy)
}

func TestCreateZettelStrictTemplates(t *testing.T) {
	table := NewTable(Deps{Records: testutil.NewMemoryStore(), Templates: template.Strict})
	_, err := table[CreateZettel](context.Background(), map[string]any{"title": "{{trigger.data.missing}}"}, execContext())
	require.ErrorIs(t, err, template.ErrUnresolved)
}

func TestSendNotificationPublishesEvent(t *testing.T) {
	mem := testutil.NewMemoryStore()
	bus := events.NewMemoryBus(4)
	table := NewTable(Deps{Records: mem, Publisher: bus})

	_, err := table[SendNotification](context.Background(), map[string]any{"title": "hi"}, execContext())
	require.EqualError(t, err, "userId is required for send_notification")

	res, err := table[SendNotification](context.Background(), map[string]any{
		"userId": "{{trigger.data.ownerId}}",
		"title":  "Deal {{trigger.data.dealId}} won",
		"body":   "Congrats",
	}, execContext())
	require.NoError(t, err)
	assert.Equal(t, true, res["sent"])

	require.Len(t, mem.Notifications, 1)
	assert.Equal(t, "u-owner", mem.Notifications[0].UserID)
	assert.Equal(t, "workflow", mem.Notifications[0].Type)

	published := bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "notification.sent", published[0].Name)
	assert.Equal(t, "Deal d-1 won", published[0].Data["title"])
}

func TestUpdateContactUsesVariables(t *testing.T) {
	mem := testutil.NewMemoryStore()
	table := NewTable(Deps{Records: mem})

	res, err := table[UpdateContact](context.Background(), map[string]any{
		"data": map[string]any{"stage": "customer", "notes": "won {{trigger.data.dealId}}"},
	}, execContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"contactId": "ct-1", "updated": true}, res)
	assert.Equal(t, map[string]any{"stage": "customer", "notes": "won d-1"}, mem.ContactUpdates["ct-1"])

	ec := execContext()
	ec.Variables = nil
	_, err = table[UpdateContact](context.Background(), map[string]any{"data": map[string]any{"stage": "x"}}, ec)
	require.EqualError(t, err, "contactId is required")
}

func TestCreateTaskDefaults(t *testing.T) {
	mem := testutil.NewMemoryStore()
	table := NewTable(Deps{Records: mem})
	ec := execContext()
	ec.ActorID = "u-7"

	res, err := table[CreateTask](context.Background(), map[string]any{
		"title":      "Call {{trigger.data.name}}",
		"assigneeId": "{{trigger.data.ownerId}}",
		"dueDate":    "2026-04-01",
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, "kn-1", res["taskId"])

	n := mem.KnowledgeNodes[0]
	assert.Equal(t, models.KnowledgeTask, n.NodeType)
	assert.Equal(t, "MEDIUM", n.Priority)
	assert.Equal(t, []string{"workflow-task"}, n.Tags)
	assert.Equal(t, "u-7", n.CreatedBy)
	require.NotNil(t, n.AssigneeID)
	assert.Equal(t, "u-owner", *n.AssigneeID)
	require.NotNil(t, n.DueDate)
	assert.True(t, n.DueDate.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))

	_, err = table[CreateTask](context.Background(), map[string]any{"title": "x", "dueDate": "next week"}, ec)
	assert.Error(t, err)
}

func TestSendWebhookPostsEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	table := NewTable(Deps{Webhooks: NewWebhookClient(WebhookClientConfig{HTTPClient: srv.Client()})})
	res, err := table[SendWebhook](context.Background(), map[string]any{
		"url":     srv.URL + "/hook",
		"payload": map[string]any{"source": "crm"},
	}, execContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sent": true, "status": http.StatusAccepted}, res)
	assert.Equal(t, "deal.won", got["event"])
	assert.Equal(t, "wf-1", got["workflowId"])
	assert.Equal(t, map[string]any{"source": "crm"}, got["custom"])
}

func TestWebhookClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWebhookClient(WebhookClientConfig{Retries: 2, HTTPClient: srv.Client()})
	status, err := c.Post(context.Background(), srv.URL, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewWebhookClient(WebhookClientConfig{Retries: 3, HTTPClient: srv.Client()})
	status, err := c.Post(context.Background(), srv.URL, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookClientRejectsBadURL(t *testing.T) {
	c := NewWebhookClient(WebhookClientConfig{})
	for _, u := range []string{"", "ftp://example.com", "/relative"} {
		_, err := c.Post(context.Background(), u, nil)
		assert.Error(t, err, u)
	}
}
