package httpserver

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/store"
	"github.com/zettelhub/platform/autonomy/internal/workflow"
)

const (
	defaultExecutionLimit = 20
	maxExecutionLimit     = 100
	statsWindow           = 50
)

type workflowRequest struct {
	Name        string               `json:"name"`
	Description *string              `json:"description"`
	Definition  models.WorkflowGraph `json:"definition"`
}

func (req workflowRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	return workflow.Validate(req.Definition)
}

func workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid workflow id")
		return uuid.Nil, false
	}
	return id, true
}

// loadWorkflow writes the error response itself and reports whether wf is usable.
func (s *Server) loadWorkflow(w http.ResponseWriter, r *http.Request) (models.Workflow, bool) {
	id, ok := workflowID(w, r)
	if !ok {
		return models.Workflow{}, false
	}
	wf, err := s.db.GetWorkflow(r.Context(), principal(r).TenantID, id)
	if err != nil {
		s.workflowError(w, r, err)
		return models.Workflow{}, false
	}
	return wf, true
}

func (s *Server) workflowError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, codeNotFound, "workflow not found")
		return
	}
	s.internalError(w, r, "workflow store failed", err)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	status := models.WorkflowStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.WorkflowDraft, models.WorkflowActive, models.WorkflowPaused:
	default:
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid status")
		return
	}
	wfs, err := s.db.ListWorkflows(r.Context(), principal(r).TenantID, status)
	if err != nil {
		s.internalError(w, r, "failed to list workflows", err)
		return
	}
	if wfs == nil {
		wfs = []models.Workflow{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": wfs})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	p := principal(r)
	wf, err := s.db.CreateWorkflow(r.Context(), store.WorkflowInput{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Status:      models.WorkflowDraft,
		Definition:  req.Definition,
		TenantID:    p.TenantID,
		CreatedBy:   p.ActorID,
	})
	if err != nil {
		s.internalError(w, r, "failed to create workflow", err)
		return
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "actor_id", p.ActorID)
	respondJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req workflowRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	wf, err := s.db.UpdateWorkflow(r.Context(), principal(r).TenantID, id, store.WorkflowInput{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Definition:  req.Definition,
	})
	if err != nil {
		s.workflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteWorkflow(r.Context(), principal(r).TenantID, id); err != nil {
		s.workflowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	// Definitions stored before validation existed may not pass.
	if err := workflow.Validate(wf.Definition); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	s.setStatus(w, r, wf.ID, models.WorkflowActive)
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	s.setStatus(w, r, id, models.WorkflowPaused)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, id uuid.UUID, status models.WorkflowStatus) {
	wf, err := s.db.SetWorkflowStatus(r.Context(), principal(r).TenantID, id, status)
	if err != nil {
		s.workflowError(w, r, err)
		return
	}
	s.logger.Info("workflow status changed", "workflow_id", wf.ID, "status", wf.Status)
	respondJSON(w, http.StatusOK, wf)
}

type testWorkflowRequest struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Variables map[string]any `json:"variables"`
}

// handleTestWorkflow runs the workflow synchronously regardless of its status.
// A failed run is still a successful request; the record carries the error.
func (s *Server) handleTestWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	var req testWorkflowRequest
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
	}
	if req.Event == "" {
		req.Event = wf.TriggerEvent()
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}

	p := principal(r)
	ex, err := s.runner.Execute(r.Context(), wf, models.ExecutionContext{
		WorkflowID: wf.ID.String(),
		TenantID:   wf.TenantID,
		Trigger:    models.TriggerInfo{Event: req.Event, Data: req.Data},
		Variables:  req.Variables,
		ActorID:    p.ActorID,
	})
	if err != nil && ex.ID == uuid.Nil {
		s.internalError(w, r, "failed to start execution", err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultExecutionLimit)
	if !ok || limit == 0 || limit > maxExecutionLimit {
		respondError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxExecutionLimit))
		return
	}
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	executions, err := s.db.ListExecutions(r.Context(), wf.ID, limit)
	if err != nil {
		s.internalError(w, r, "failed to list executions", err)
		return
	}
	if executions == nil {
		executions = []models.Execution{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": executions})
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid execution id")
		return
	}
	ex, err := s.db.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, codeNotFound, "execution not found")
			return
		}
		s.internalError(w, r, "failed to fetch execution", err)
		return
	}
	// Executions are reachable only through a workflow of the caller's tenant.
	if _, err := s.db.GetWorkflow(r.Context(), principal(r).TenantID, ex.WorkflowID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, codeNotFound, "execution not found")
			return
		}
		s.internalError(w, r, "failed to fetch execution", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"executionId": ex.ID,
		"status":      ex.Status,
		"error":       ex.Error,
		"logs":        ex.Logs,
	})
}

type workflowStats struct {
	WorkflowID    uuid.UUID `json:"workflowId"`
	Total         int       `json:"totalExecutions"`
	Completed     int       `json:"successfulExecutions"`
	Failed        int       `json:"failedExecutions"`
	Running       int       `json:"runningExecutions"`
	SuccessRate   int       `json:"successRate"`
	AvgDurationMs int64     `json:"avgDurationMs"`
}

// handleWorkflowStats summarises the most recent executions of a workflow.
func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	executions, err := s.db.ListExecutions(r.Context(), wf.ID, statsWindow)
	if err != nil {
		s.internalError(w, r, "failed to list executions", err)
		return
	}
	respondJSON(w, http.StatusOK, summarize(wf.ID, executions))
}

func summarize(id uuid.UUID, executions []models.Execution) workflowStats {
	stats := workflowStats{WorkflowID: id, Total: len(executions)}
	var totalMs int64
	for _, ex := range executions {
		switch ex.Status {
		case models.ExecutionCompleted:
			stats.Completed++
		case models.ExecutionFailed:
			stats.Failed++
		default:
			stats.Running++
		}
		if ex.FinishedAt != nil {
			totalMs += ex.FinishedAt.Sub(ex.StartedAt).Milliseconds()
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = int(math.Round(float64(stats.Completed) / float64(stats.Total) * 100))
		stats.AvgDurationMs = totalMs / int64(stats.Total)
	}
	return stats
}
