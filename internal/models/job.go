// -----------------------------------------------------------------------
// Job model - identity and state of one unit of tiled work
// -----------------------------------------------------------------------

package models

import "time"

// JobState is the closed set of lifecycle states a job can occupy.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCanceled  JobState = "CANCELED"
)

// JobType is the closed tagged variant of supported tile-analysis kernels.
// New job types are added here and given a handler in internal/kernels,
// never dispatched by ad-hoc string comparison elsewhere.
type JobType string

const (
	SegmentCells JobType = "SEGMENT_CELLS"
	TissueMask   JobType = "TISSUE_MASK"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case SegmentCells, TissueMask:
		return true
	default:
		return false
	}
}

// DefaultBranch is the sentinel effective-branch used when a job's Branch
// field is empty, grouping it into the workflow's implicit serial chain.
const DefaultBranch = "__default__"

// Job is the identity and mutable state of one unit of tiled work.
//
// Only the executor assigned to a job may mutate Progress, TilesProcessed,
// TilesTotal, or the terminal fields (ResultPath, State at a terminal
// transition) - the scheduler's dedup set (see internal/scheduler) makes two
// concurrent executors for the same job impossible.
type Job struct {
	ID         string
	WorkflowID string
	UserID     string
	FileID     string
	Type       JobType
	Branch     string // optional; empty means DefaultBranch

	State          JobState
	Progress       float64
	TilesProcessed int
	TilesTotal     int
	ResultPath     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveBranch returns Branch if set, else the default per-workflow group.
func (j Job) EffectiveBranch() string {
	if j.Branch == "" {
		return DefaultBranch
	}
	return j.Branch
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// store's lock - Job has no reference fields today, but Clone exists so
// store code never has to be revisited if one is added later.
func (j Job) Clone() Job {
	return j
}

// Info is the externally-visible projection of a Job, matching the shape
// serialized across the HTTP surface and the SSE/WebSocket event payloads.
type Info struct {
	JobID          string   `json:"job_id"`
	WorkflowID     string   `json:"workflow_id"`
	UserID         string   `json:"user_id"`
	FileID         string   `json:"file_id"`
	JobType        JobType  `json:"job_type"`
	Branch         string   `json:"branch,omitempty"`
	State          JobState `json:"state"`
	Progress       float64  `json:"progress"`
	TilesProcessed int      `json:"tiles_processed"`
	TilesTotal     int      `json:"tiles_total"`
	ResultPath     string   `json:"result_path,omitempty"`
}

// ToInfo projects a Job onto its HTTP/event wire representation.
func (j Job) ToInfo() Info {
	return Info{
		JobID:          j.ID,
		WorkflowID:     j.WorkflowID,
		UserID:         j.UserID,
		FileID:         j.FileID,
		JobType:        j.Type,
		Branch:         j.Branch,
		State:          j.State,
		Progress:       j.Progress,
		TilesProcessed: j.TilesProcessed,
		TilesTotal:     j.TilesTotal,
		ResultPath:     j.ResultPath,
	}
}
