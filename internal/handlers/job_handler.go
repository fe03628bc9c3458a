package handlers

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/events"
	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/store"
)

// Enqueuer is the scheduler's admission entry point, specified here only by
// interface so this package doesn't import internal/scheduler directly.
type Enqueuer interface {
	Enqueue(jobID string)
	QueueStatus(jobID string) (models.QueueStatus, bool)
}

// CreateJobRequest is the body of POST /jobs/.
type CreateJobRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	FileID     string `json:"file_id" validate:"required"`
	JobType    string `json:"job_type" validate:"required"`
	Branch     string `json:"branch,omitempty"`
}

// JobHandler serves job creation, lifecycle transitions, artifact download,
// and the per-job SSE stream.
type JobHandler struct {
	jobs      *store.JobStore
	workflows *store.WorkflowStore
	files     *store.FileStore
	scheduler Enqueuer
	publisher *events.Publisher
	validate  *validator.Validate
	logger    arbor.ILogger
}

func NewJobHandler(jobs *store.JobStore, workflows *store.WorkflowStore, files *store.FileStore, scheduler Enqueuer, publisher *events.Publisher, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		workflows: workflows,
		files:     files,
		scheduler: scheduler,
		publisher: publisher,
		validate:  validator.New(),
		logger:    logger,
	}
}

// CreateHandler handles POST /jobs/ body {workflow_id, file_id, job_type, branch?}.
func (h *JobHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	jobType := models.JobType(req.JobType)
	if !jobType.Valid() {
		http.Error(w, "invalid job_type", http.StatusBadRequest)
		return
	}

	if !h.workflows.OwnedBy(req.WorkflowID, userID) {
		http.Error(w, "Workflow not found", http.StatusNotFound)
		return
	}
	if !h.files.OwnedBy(req.FileID, userID) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	job := h.jobs.Create(req.WorkflowID, userID, req.FileID, jobType, req.Branch)
	writeJSON(w, http.StatusOK, map[string]models.Info{"job": job.ToInfo()})
}

// ListHandler handles GET /jobs/ and GET /jobs.
func (h *JobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	jobs := h.jobs.ListForUser(userID)
	infos := make([]models.Info, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.ToInfo())
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetHandler handles GET /jobs/{job_id}.
func (h *JobHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.ToInfo())
}

// StartHandler handles POST /jobs/{job_id}/start.
func (h *JobHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.State != models.JobPending {
		http.Error(w, "Job is not in PENDING state", http.StatusConflict)
		return
	}
	h.scheduler.Enqueue(job.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// CancelHandler handles POST /jobs/{job_id}/cancel.
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.State != models.JobPending {
		http.Error(w, "Only PENDING jobs can be canceled", http.StatusConflict)
		return
	}
	h.jobs.CancelIfPending(job.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// RetryHandler handles POST /jobs/{job_id}/retry.
func (h *JobHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.State == models.JobRunning {
		http.Error(w, "Cannot retry a RUNNING job", http.StatusConflict)
		return
	}
	h.jobs.ResetForRetry(job.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ResultHandler handles GET /jobs/{job_id}/result: downloads the manifest.
func (h *JobHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.State != models.JobSucceeded || job.ResultPath == "" {
		http.Error(w, "Result not ready", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_result.json"`, job.ID))
	http.ServeFile(w, r, job.ResultPath)
}

// PreviewHandler handles GET /jobs/{job_id}/preview: downloads the preview
// PNG referenced by the manifest.
func (h *JobHandler) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	manifest, err := h.readManifest(job)
	if err != nil || manifest.Preview == "" {
		http.Error(w, "Preview not available", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(manifest.Preview); err != nil {
		http.Error(w, "Preview not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_preview.png"`, job.ID))
	http.ServeFile(w, r, manifest.Preview)
}

// ArtifactsZipHandler handles GET /jobs/{job_id}/artifacts.zip: builds (or
// rebuilds) a zip of every artifact plus the preview, alongside the
// manifest.
func (h *JobHandler) ArtifactsZipHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.ResultPath == "" {
		http.Error(w, "Result not ready", http.StatusNotFound)
		return
	}

	manifest, err := h.readManifest(job)
	if err != nil {
		http.Error(w, "Result not ready", http.StatusNotFound)
		return
	}

	zipPath := filepath.Join(filepath.Dir(job.ResultPath), "artifacts.zip")
	if err := buildArtifactsZip(zipPath, manifest); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to build artifacts zip")
		http.Error(w, "Failed to build artifacts zip", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_artifacts.zip"`, job.ID))
	http.ServeFile(w, r, zipPath)
}

// EventsHandler handles GET /jobs/{job_id}/events?user_id=….
func (h *JobHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	jobID := eventsPathID(r.URL.Path)
	job, ok := h.jobs.Get(jobID)
	if !ok || job.UserID != userID {
		http.NotFound(w, r)
		return
	}

	h.publisher.StreamJob(r.Context(), w, jobID, userID)
}

// QueueStatusHandler handles GET /jobs/{job_id}/queue_status.
func (h *JobHandler) QueueStatusHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	status, ok := h.scheduler.QueueStatus(job.ID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ownedJob extracts the job ID from the path, loads the job, and enforces
// X-User-ID ownership, writing the appropriate error response and returning
// ok=false if either check fails.
func (h *JobHandler) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return models.Job{}, false
	}

	jobID := pathTail(r.URL.Path, "/jobs/")
	job, ok := h.jobs.Get(jobID)
	if !ok || job.UserID != userID {
		http.NotFound(w, r)
		return models.Job{}, false
	}
	return job, true
}

func (h *JobHandler) readManifest(job models.Job) (models.Manifest, error) {
	if job.ResultPath == "" {
		return models.Manifest{}, fmt.Errorf("no result path")
	}
	data, err := os.ReadFile(job.ResultPath)
	if err != nil {
		return models.Manifest{}, err
	}
	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return models.Manifest{}, err
	}
	return manifest, nil
}

func buildArtifactsZip(zipPath string, manifest models.Manifest) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	files := append([]string{}, manifest.Artifacts...)
	if manifest.Preview != "" {
		files = append(files, manifest.Preview)
	}

	for _, path := range files {
		if path == "" {
			continue
		}
		if err := addFileToZip(zw, path); err != nil {
			return err
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil // artifact listed in manifest but missing on disk: skip, don't fail the whole zip
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, src)
	return err
}

// eventsPathID extracts {job_id} from "/jobs/{job_id}/events".
func eventsPathID(path string) string {
	const prefix = "/jobs/"
	const suffix = "/events"
	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	trimmed := path[len(prefix):]
	return trimmed[:len(trimmed)-len(suffix)]
}
