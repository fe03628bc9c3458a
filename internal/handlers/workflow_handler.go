package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/events"
	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/store"
)

// CreateWorkflowRequest is the body of POST /workflows/. Name is optional;
// an unnamed workflow is still a valid, usable workflow.
type CreateWorkflowRequest struct {
	Name string `json:"name" validate:"omitempty,max=200"`
}

// WorkflowHandler serves workflow creation, lookup, member-job listing, and
// the per-workflow SSE stream.
type WorkflowHandler struct {
	workflows *store.WorkflowStore
	publisher *events.Publisher
	validate  *validator.Validate
	logger    arbor.ILogger
}

func NewWorkflowHandler(workflows *store.WorkflowStore, publisher *events.Publisher, logger arbor.ILogger) *WorkflowHandler {
	return &WorkflowHandler{
		workflows: workflows,
		publisher: publisher,
		validate:  validator.New(),
		logger:    logger,
	}
}

// CreateHandler handles POST /workflows/ body {name?}.
func (h *WorkflowHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	var req CreateWorkflowRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	wf := h.workflows.Create(userID, req.Name)
	info, _ := h.workflows.GetInfo(wf.ID)
	writeJSON(w, http.StatusOK, map[string]models.WorkflowInfo{"workflow": info})
}

// GetHandler handles GET /workflows/{workflow_id}.
func (h *WorkflowHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	workflowID := pathTail(r.URL.Path, "/workflows/")
	info, ok := h.workflows.GetInfo(workflowID)
	if !ok || info.UserID != userID {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// ListJobsHandler handles GET /workflows/{workflow_id}/jobs.
func (h *WorkflowHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	workflowID := workflowIDFromSuffixedPath(r.URL.Path, "/jobs")
	info, ok := h.workflows.GetInfo(workflowID)
	if !ok || info.UserID != userID {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, info.Jobs)
}

// EventsHandler handles GET /workflows/{workflow_id}/events?user_id=….
// EventSource clients cannot set custom headers, so ownership is checked
// against the query parameter instead of X-User-ID.
func (h *WorkflowHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	workflowID := workflowIDFromSuffixedPath(r.URL.Path, "/events")
	info, ok := h.workflows.GetInfo(workflowID)
	if !ok || info.UserID != userID {
		http.NotFound(w, r)
		return
	}

	h.publisher.StreamWorkflow(r.Context(), w, workflowID, userID)
}

func workflowIDFromSuffixedPath(path, suffix string) string {
	const prefix = "/workflows/"
	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	trimmed := path[len(prefix):]
	return trimmed[:len(trimmed)-len(suffix)]
}
