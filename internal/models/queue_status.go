package models

// QueueStatus is the best-effort admission snapshot returned for a single
// job: which gates it is still waiting on, and the current/max occupancy
// of each gate. Values may race against concurrent transitions; this is
// documented as a snapshot, not a transactional read.
type QueueStatus struct {
	ActiveUsers    int      `json:"active_users"`
	MaxActiveUsers int      `json:"max_active_users"`
	ActiveWorkers  int      `json:"active_workers"`
	MaxWorkers     int      `json:"max_workers"`
	Queued         bool     `json:"queued"`
	WaitingFor     []string `json:"waiting_for,omitempty"`
}

// Gate names reported in QueueStatus.WaitingFor.
const (
	WaitingForBranch   = "BRANCH"
	WaitingForUserSlot = "USER_SLOT"
	WaitingForWorker   = "WORKER"
)
