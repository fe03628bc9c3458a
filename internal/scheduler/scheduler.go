// Package scheduler implements the three composed admission gates that
// decide which PENDING jobs become RUNNING and when: a per-(workflow,
// branch) serial lock, a per-user fairness slot, and a global worker
// semaphore, acquired in that fixed order with a cancellation re-check
// between each.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/branchlock"
	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/store"
)

// Executor runs a single job to one of its terminal states. It owns all
// job-state mutation once control passes to it; the scheduler never
// inspects job state again until Run returns.
type Executor interface {
	Run(ctx context.Context, jobID string)
}

// Scheduler owns the admission gates and the set of jobs with a live
// worker task.
type Scheduler struct {
	jobs        *store.JobStore
	branchLocks *branchlock.Table
	executor    Executor
	logger      arbor.ILogger

	maxWorkers     int
	maxActiveUsers int

	scheduledMu sync.Mutex
	scheduled   map[string]struct{}

	userGate      *userGate
	workerSem     chan struct{}
	activeWorkers int32

	sweepCron *cron.Cron
}

// New builds a scheduler bound to jobs/branchLocks, dispatching admitted
// work to executor.
func New(jobs *store.JobStore, branchLocks *branchlock.Table, executor Executor, maxWorkers, maxActiveUsers int, logger arbor.ILogger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if maxActiveUsers <= 0 {
		maxActiveUsers = 1
	}
	return &Scheduler{
		jobs:           jobs,
		branchLocks:    branchLocks,
		executor:       executor,
		logger:         logger,
		maxWorkers:     maxWorkers,
		maxActiveUsers: maxActiveUsers,
		scheduled:      make(map[string]struct{}),
		userGate:       newUserGate(maxActiveUsers),
		workerSem:      make(chan struct{}, maxWorkers),
	}
}

// Enqueue idempotently spawns a worker task for jobID. A job already
// tracked in the scheduled set is left alone - enqueuing twice launches at
// most one worker task.
func (s *Scheduler) Enqueue(jobID string) {
	s.scheduledMu.Lock()
	if _, already := s.scheduled[jobID]; already {
		s.scheduledMu.Unlock()
		return
	}
	s.scheduled[jobID] = struct{}{}
	s.scheduledMu.Unlock()

	go s.runWorkerTask(jobID)
}

func (s *Scheduler) unschedule(jobID string) {
	s.scheduledMu.Lock()
	delete(s.scheduled, jobID)
	s.scheduledMu.Unlock()
}

// runWorkerTask implements the worker task protocol: branch lock, user
// slot, worker permit, in that order, with a cancellation re-check after
// each acquisition. Gates are released in reverse order via defer as the
// function unwinds.
func (s *Scheduler) runWorkerTask(jobID string) {
	defer s.unschedule(jobID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("job_id", jobID).Msg("Recovered from panic in scheduler worker task")
		}
	}()

	job, ok := s.jobs.Get(jobID)
	if !ok {
		return
	}

	releaseBranch := s.branchLocks.Acquire(job.WorkflowID, job.EffectiveBranch())
	defer releaseBranch()

	if !s.stillRunnable(jobID) {
		return
	}

	s.userGate.acquire(job.UserID)
	defer s.userGate.release(job.UserID)

	if !s.stillRunnable(jobID) {
		return
	}

	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()

	if !s.stillRunnable(jobID) {
		return
	}

	atomic.AddInt32(&s.activeWorkers, 1)
	s.executor.Run(context.Background(), jobID)
	atomic.AddInt32(&s.activeWorkers, -1)
}

// stillRunnable re-reads the job and reports whether it is still eligible
// to proceed - absent or CANCELED jobs stop the worker task without ever
// transitioning state.
func (s *Scheduler) stillRunnable(jobID string) bool {
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return false
	}
	return job.State != models.JobCanceled
}

// ListAll exposes the underlying job set for callers (the admin queue
// broadcaster) that need to enumerate every job to pair it with its
// QueueStatus.
func (s *Scheduler) ListAll() []models.Job {
	return s.jobs.ListAll()
}

// QueueStatus reports the best-effort admission snapshot for jobID.
func (s *Scheduler) QueueStatus(jobID string) (models.QueueStatus, bool) {
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return models.QueueStatus{}, false
	}

	status := models.QueueStatus{
		ActiveUsers:    s.userGate.len(),
		MaxActiveUsers: s.maxActiveUsers,
		ActiveWorkers:  int(atomic.LoadInt32(&s.activeWorkers)),
		MaxWorkers:     s.maxWorkers,
	}

	if job.State != models.JobPending {
		return status, true
	}
	status.Queued = true

	var waiting []string

	branchBusy := false
	for _, other := range s.jobs.ListForWorkflow(job.WorkflowID) {
		if other.ID == job.ID {
			continue
		}
		if other.EffectiveBranch() == job.EffectiveBranch() && other.State == models.JobRunning {
			branchBusy = true
			break
		}
	}
	if branchBusy {
		waiting = append(waiting, models.WaitingForBranch)
	}

	if !s.userGate.contains(job.UserID) && s.userGate.len() >= s.maxActiveUsers {
		waiting = append(waiting, models.WaitingForUserSlot)
	}

	if int(atomic.LoadInt32(&s.activeWorkers)) >= s.maxWorkers {
		waiting = append(waiting, models.WaitingForWorker)
	}

	status.WaitingFor = waiting
	return status, true
}

// StartBranchLockSweep registers a periodic GC of idle, unreferenced
// branch-lock entries on the given cron schedule. Stop cancels it.
func (s *Scheduler) StartBranchLockSweep(schedule string, maxIdle time.Duration) error {
	s.sweepCron = cron.New(cron.WithSeconds())
	_, err := s.sweepCron.AddFunc(schedule, func() {
		evicted := s.branchLocks.Sweep(maxIdle)
		if evicted > 0 {
			s.logger.Debug().Int("evicted", evicted).Msg("Swept idle branch locks")
		}
	})
	if err != nil {
		return err
	}
	s.sweepCron.Start()
	return nil
}

// StopBranchLockSweep halts the sweep cron started by StartBranchLockSweep.
func (s *Scheduler) StopBranchLockSweep() {
	if s.sweepCron != nil {
		ctx := s.sweepCron.Stop()
		<-ctx.Done()
	}
}
