package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/tilesched/internal/branchlock"
	"github.com/brightloom/tilesched/internal/common"
	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/store"
)

// recordingExecutor simulates a job that takes a fixed duration to run and
// records concurrency so tests can assert admission properties.
type recordingExecutor struct {
	jobs     *store.JobStore
	duration time.Duration

	mu       sync.Mutex
	running  map[string]bool
	timeline []event
}

type event struct {
	jobID   string
	userID  string
	branch  string
	started bool
}

func newRecordingExecutor(jobs *store.JobStore, duration time.Duration) *recordingExecutor {
	return &recordingExecutor{jobs: jobs, duration: duration, running: make(map[string]bool)}
}

func (e *recordingExecutor) Run(ctx context.Context, jobID string) {
	job, _ := e.jobs.Get(jobID)
	e.jobs.UpdateState(jobID, models.JobRunning)

	e.mu.Lock()
	e.running[jobID] = true
	e.timeline = append(e.timeline, event{jobID, job.UserID, job.EffectiveBranch(), true})
	e.mu.Unlock()

	time.Sleep(e.duration)

	e.mu.Lock()
	delete(e.running, jobID)
	e.timeline = append(e.timeline, event{jobID, job.UserID, job.EffectiveBranch(), false})
	e.mu.Unlock()

	e.jobs.UpdateState(jobID, models.JobSucceeded)
}

func (e *recordingExecutor) concurrentBranchOverlap(branch string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	active := 0
	maxActive := 0
	for _, ev := range e.timeline {
		if ev.branch != branch {
			continue
		}
		if ev.started {
			active++
		} else {
			active--
		}
		if active > maxActive {
			maxActive = active
		}
	}
	return maxActive > 1
}

func TestEnqueueIsIdempotent(t *testing.T) {
	jobs := store.NewJobStore()
	job := jobs.Create("wf1", "u1", "f1", models.TissueMask, "")

	started := int32(0)
	exec := &countingExecutor{started: &started, hold: make(chan struct{})}
	sched := New(jobs, branchlock.New(common.GetLogger()), exec, 4, 4, common.GetLogger())

	sched.Enqueue(job.ID)
	sched.Enqueue(job.ID)
	sched.Enqueue(job.ID)

	time.Sleep(50 * time.Millisecond)
	close(exec.hold)
	time.Sleep(20 * time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&started))
}

type countingExecutor struct {
	started *int32
	hold    chan struct{}
}

func (c *countingExecutor) Run(ctx context.Context, jobID string) {
	atomic.AddInt32(c.started, 1)
	<-c.hold
}

func TestBranchSerializesRunningIntervals(t *testing.T) {
	jobs := store.NewJobStore()
	j1 := jobs.Create("wf1", "u1", "f1", models.TissueMask, "b")
	j2 := jobs.Create("wf1", "u1", "f1", models.TissueMask, "b")

	exec := newRecordingExecutor(jobs, 30*time.Millisecond)
	sched := New(jobs, branchlock.New(common.GetLogger()), exec, 4, 4, common.GetLogger())

	sched.Enqueue(j1.ID)
	sched.Enqueue(j2.ID)

	require.Eventually(t, func() bool {
		a, _ := jobs.Get(j1.ID)
		b, _ := jobs.Get(j2.ID)
		return a.State == models.JobSucceeded && b.State == models.JobSucceeded
	}, time.Second, 5*time.Millisecond)

	assert.False(t, exec.concurrentBranchOverlap("b"))
}

func TestWorkerCapBoundsConcurrency(t *testing.T) {
	jobs := store.NewJobStore()
	var jobIDs []string
	for i := 0; i < 5; i++ {
		j := jobs.Create("wf1", "u1", "f1", models.TissueMask, string(rune('a'+i)))
		jobIDs = append(jobIDs, j.ID)
	}

	var active int32
	var maxActive int32
	exec := &concurrencyExecutor{active: &active, maxActive: &maxActive, duration: 40 * time.Millisecond, jobs: jobs}
	sched := New(jobs, branchlock.New(common.GetLogger()), exec, 2, 5, common.GetLogger())

	for _, id := range jobIDs {
		sched.Enqueue(id)
	}

	require.Eventually(t, func() bool {
		for _, id := range jobIDs {
			j, _ := jobs.Get(id)
			if j.State != models.JobSucceeded {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(2))
}

type concurrencyExecutor struct {
	active    *int32
	maxActive *int32
	duration  time.Duration
	jobs      *store.JobStore
}

func (c *concurrencyExecutor) Run(ctx context.Context, jobID string) {
	n := atomic.AddInt32(c.active, 1)
	for {
		cur := atomic.LoadInt32(c.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(c.maxActive, cur, n) {
			break
		}
	}
	time.Sleep(c.duration)
	atomic.AddInt32(c.active, -1)
	c.jobs.UpdateState(jobID, models.JobSucceeded)
}

func TestCancelDuringQueuePreventsRun(t *testing.T) {
	jobs := store.NewJobStore()
	j := jobs.Create("wf1", "u1", "f1", models.TissueMask, "")
	jobs.CancelIfPending(j.ID)

	ran := int32(0)
	exec := &countingExecutor{started: &ran, hold: make(chan struct{})}
	close(exec.hold)
	sched := New(jobs, branchlock.New(common.GetLogger()), exec, 4, 4, common.GetLogger())

	sched.Enqueue(j.ID)
	time.Sleep(30 * time.Millisecond)

	assert.EqualValues(t, 0, atomic.LoadInt32(&ran))
	got, _ := jobs.Get(j.ID)
	assert.Equal(t, models.JobCanceled, got.State)
}

func TestQueueStatusReportsUserSlotWait(t *testing.T) {
	jobs := store.NewJobStore()
	sched := New(jobs, branchlock.New(common.GetLogger()), &blockingExecutor{}, 8, 2, common.GetLogger())

	j1 := jobs.Create("wf1", "u1", "f1", models.TissueMask, "")
	j2 := jobs.Create("wf1", "u2", "f1", models.TissueMask, "")
	j3 := jobs.Create("wf1", "u3", "f1", models.TissueMask, "")

	sched.Enqueue(j1.ID)
	sched.Enqueue(j2.ID)

	require.Eventually(t, func() bool { return sched.userGate.len() == 2 }, time.Second, 5*time.Millisecond)

	status, ok := sched.QueueStatus(j3.ID)
	require.True(t, ok)
	assert.Contains(t, status.WaitingFor, models.WaitingForUserSlot)
}

type blockingExecutor struct{}

func (b *blockingExecutor) Run(ctx context.Context, jobID string) {
	select {}
}
