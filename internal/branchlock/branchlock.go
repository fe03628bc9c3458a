// Package branchlock provides the per-(workflow, branch) mutual exclusion
// that keeps jobs sharing a branch executing in strict serial order.
package branchlock

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// key identifies one serial execution chain.
type key struct {
	workflowID string
	branch     string
}

// entry pairs a lock with a reference count so the sweep can tell an
// uncontended, job-less lock apart from one a worker is about to acquire.
type entry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// Table is the lazily-populated registry of branch locks. Entries are never
// removed while referenced; Sweep evicts only uncontended, unreferenced
// entries that have been idle past a threshold.
type Table struct {
	mu      sync.Mutex
	entries map[key]*entry
	logger  arbor.ILogger
}

// New creates an empty branch lock table.
func New(logger arbor.ILogger) *Table {
	return &Table{
		entries: make(map[key]*entry),
		logger:  logger,
	}
}

// Acquire blocks until the (workflowID, branch) lock is held, returning a
// release function the caller must invoke exactly once.
func (t *Table) Acquire(workflowID, branch string) func() {
	k := key{workflowID: workflowID, branch: branch}

	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		t.mu.Lock()
		e.refs--
		e.lastUsed = time.Now()
		t.mu.Unlock()
	}
}

// Sweep evicts entries with zero references that have been idle for at
// least maxIdle. Called periodically from a cron schedule so the table
// doesn't grow without bound across a long-lived process with many distinct
// workflow/branch pairs.
func (t *Table) Sweep(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for k, e := range t.entries {
		if e.refs > 0 {
			continue
		}
		if e.lastUsed.IsZero() || e.lastUsed.After(cutoff) {
			continue
		}
		delete(t.entries, k)
		evicted++
	}

	if evicted > 0 && t.logger != nil {
		t.logger.Debug().Int("evicted", evicted).Msg("Branch lock sweep evicted idle entries")
	}

	return evicted
}

// Len reports the number of tracked (workflow, branch) pairs, for tests and
// diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
