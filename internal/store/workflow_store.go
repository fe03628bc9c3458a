package store

import (
	"sync"

	"github.com/brightloom/tilesched/internal/common"
	"github.com/brightloom/tilesched/internal/models"
)

// WorkflowStore holds workflow identity (owner, name). State and percent
// complete are never stored here - they're derived on read from JobStore.
type WorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	jobs      *JobStore
}

// NewWorkflowStore creates an empty workflow store backed by jobs for
// state derivation.
func NewWorkflowStore(jobs *JobStore) *WorkflowStore {
	return &WorkflowStore{
		workflows: make(map[string]*models.Workflow),
		jobs:      jobs,
	}
}

// Create inserts a new, empty (PENDING, 0% complete) workflow.
func (s *WorkflowStore) Create(userID, name string) models.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf := &models.Workflow{
		ID:      common.NewID(),
		OwnerID: userID,
		Name:    name,
	}
	s.workflows[wf.ID] = wf
	return *wf
}

// Restore reinserts a workflow's identity exactly as given, for replaying a
// badger snapshot at startup.
func (s *WorkflowStore) Restore(wf models.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := wf
	s.workflows[w.ID] = &w
}

// ListAll returns a snapshot of every workflow's identity, in no particular
// order. Used by the badger snapshot loop; regular handlers use GetInfo.
func (s *WorkflowStore) ListAll() []models.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, *wf)
	}
	return out
}

// Exists reports whether workflowID has been created.
func (s *WorkflowStore) Exists(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workflows[workflowID]
	return ok
}

// OwnedBy reports whether workflowID exists and is owned by userID.
func (s *WorkflowStore) OwnedBy(workflowID, userID string) bool {
	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	s.mu.Unlock()
	return ok && wf.OwnerID == userID
}

// GetInfo returns the derived WorkflowInfo for workflowID, or ok=false if
// the workflow doesn't exist. Jobs are included.
func (s *WorkflowStore) GetInfo(workflowID string) (models.WorkflowInfo, bool) {
	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	s.mu.Unlock()
	if !ok {
		return models.WorkflowInfo{}, false
	}

	jobs := s.jobs.ListForWorkflow(workflowID)
	jobInfos := make([]models.Info, 0, len(jobs))
	for _, j := range jobs {
		jobInfos = append(jobInfos, j.ToInfo())
	}

	return models.WorkflowInfo{
		WorkflowID:      wf.ID,
		UserID:          wf.OwnerID,
		Name:            wf.Name,
		State:           models.DeriveWorkflowState(jobs),
		PercentComplete: models.DerivePercentComplete(jobs),
		Jobs:            jobInfos,
	}, true
}
