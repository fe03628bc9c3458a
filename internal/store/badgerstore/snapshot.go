package badgerstore

import (
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/brightloom/tilesched/internal/models"
)

// workflowRecord is the durable shape of a workflow. Workflow state and
// percent complete are still derived from jobs at read time; only identity
// is persisted.
type workflowRecord struct {
	ID      string
	OwnerID string
	Name    string
}

// fileRecord is the durable shape of an uploaded file's identity.
type fileRecord struct {
	ID          string
	UserID      string
	DiskPath    string
	Filename    string
	ContentType string
}

// Snapshotter persists job/workflow/file mutations to Badger and replays
// them back into the in-memory stores on startup. It is wired in only when
// storage.badger.enabled is true; with it unset, job/workflow/file state
// lives only in memory for the life of the process.
type Snapshotter struct {
	db *DB
}

// NewSnapshotter wraps an opened DB for snapshot reads/writes.
func NewSnapshotter(db *DB) *Snapshotter {
	return &Snapshotter{db: db}
}

// PersistJob upserts a job snapshot.
func (s *Snapshotter) PersistJob(job models.Job) error {
	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJobs returns every persisted job, for replay into JobStore at startup.
func (s *Snapshotter) LoadJobs() ([]models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	return jobs, nil
}

// PersistWorkflow upserts a workflow's identity snapshot.
func (s *Snapshotter) PersistWorkflow(workflowID, ownerID, name string) error {
	rec := workflowRecord{ID: workflowID, OwnerID: ownerID, Name: name}
	if err := s.db.Store().Upsert(rec.ID, &rec); err != nil {
		return fmt.Errorf("failed to persist workflow %s: %w", workflowID, err)
	}
	return nil
}

// LoadWorkflows returns every persisted workflow's identity.
func (s *Snapshotter) LoadWorkflows() ([]models.Workflow, error) {
	var recs []workflowRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}
	out := make([]models.Workflow, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.Workflow{ID: r.ID, OwnerID: r.OwnerID, Name: r.Name})
	}
	return out, nil
}

// PersistFile upserts an uploaded file's identity snapshot.
func (s *Snapshotter) PersistFile(file models.File) error {
	rec := fileRecord{
		ID:          file.ID,
		UserID:      file.UserID,
		DiskPath:    file.DiskPath,
		Filename:    file.Filename,
		ContentType: file.ContentType,
	}
	if err := s.db.Store().Upsert(rec.ID, &rec); err != nil {
		return fmt.Errorf("failed to persist file %s: %w", file.ID, err)
	}
	return nil
}

// LoadFiles returns every persisted uploaded file's identity.
func (s *Snapshotter) LoadFiles() ([]models.File, error) {
	var recs []fileRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to load files: %w", err)
	}
	out := make([]models.File, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.File{
			ID:          r.ID,
			UserID:      r.UserID,
			DiskPath:    r.DiskPath,
			Filename:    r.Filename,
			ContentType: r.ContentType,
		})
	}
	return out, nil
}
