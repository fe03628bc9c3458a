// Package store holds the in-memory state for jobs, workflows, and uploaded
// files. Every method takes and releases its lock inside the call so no
// caller ever observes a torn read across a concurrent mutation.
package store

import (
	"sync"
	"time"

	"github.com/brightloom/tilesched/internal/common"
	"github.com/brightloom/tilesched/internal/models"
)

// JobStore is the single source of truth for job identity and mutable
// state. All fields of a Job beyond its identity are owned by whichever
// worker is currently executing it; the scheduler's dedup set guarantees
// at most one concurrent writer per job.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*models.Job),
	}
}

// Create inserts a new job in PENDING state and returns its identity.
func (s *JobStore) Create(workflowID, userID, fileID string, jobType models.JobType, branch string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job := &models.Job{
		ID:         common.NewID(),
		WorkflowID: workflowID,
		UserID:     userID,
		FileID:     fileID,
		Type:       jobType,
		Branch:     branch,
		State:      models.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[job.ID] = job
	return job.Clone()
}

// Get returns a copy of the job by ID, or ok=false if it doesn't exist.
func (s *JobStore) Get(jobID string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	return job.Clone(), true
}

// ListAll returns a snapshot of every job, in no particular order.
func (s *JobStore) ListAll() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// ListForUser returns a snapshot of every job owned by userID.
func (s *JobStore) ListForUser(userID string) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j.Clone())
		}
	}
	return out
}

// ListForWorkflow returns every job belonging to workflowID, regardless of
// owner (callers are expected to have already checked workflow ownership).
func (s *JobStore) ListForWorkflow(workflowID string) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range s.jobs {
		if j.WorkflowID == workflowID {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Restore reinserts a job exactly as given, for replaying a badger snapshot
// at startup. Unlike Create, it never generates a new ID.
func (s *JobStore) Restore(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	s.jobs[j.ID] = &j
}

// UpdateState transitions a job's state unconditionally. Callers that need
// to enforce the FSM (e.g. "only from PENDING") check the current state
// first via Get, accepting the narrow race the scheduler's dedup set and
// branch lock already close off in practice.
func (s *JobStore) UpdateState(jobID string, state models.JobState) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	job.State = state
	job.UpdatedAt = time.Now()
	return job.Clone(), true
}

// SetProgress records monotonic tile progress. tilesTotal is only applied
// when positive, so intermediate calls that don't know the total yet (or
// that want to leave it unchanged) can pass zero.
func (s *JobStore) SetProgress(jobID string, progress float64, tilesProcessed, tilesTotal int) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	job.Progress = progress
	if tilesTotal > 0 {
		job.TilesTotal = tilesTotal
	}
	if tilesProcessed >= 0 {
		job.TilesProcessed = tilesProcessed
	}
	job.UpdatedAt = time.Now()
	return job.Clone(), true
}

// SetResultPath records the on-disk manifest or error artifact path.
func (s *JobStore) SetResultPath(jobID, path string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	job.ResultPath = path
	job.UpdatedAt = time.Now()
	return job.Clone(), true
}

// CancelIfPending transitions a job to CANCELED only if it is currently
// PENDING; otherwise it returns the job unchanged. Idempotent: canceling an
// already-CANCELED job is a no-op that still reports ok=true.
func (s *JobStore) CancelIfPending(jobID string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	if job.State == models.JobPending {
		job.State = models.JobCanceled
		job.UpdatedAt = time.Now()
	}
	return job.Clone(), true
}

// ResetForRetry moves a terminal job back to PENDING, clearing progress and
// result path. A RUNNING job is left untouched and returned as-is: retry
// from RUNNING is never a valid transition.
func (s *JobStore) ResetForRetry(jobID string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	if job.State == models.JobRunning {
		return job.Clone(), true
	}
	job.State = models.JobPending
	job.Progress = 0
	job.TilesProcessed = 0
	job.TilesTotal = 0
	job.ResultPath = ""
	job.UpdatedAt = time.Now()
	return job.Clone(), true
}
