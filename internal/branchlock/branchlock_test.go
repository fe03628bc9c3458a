package branchlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireSerializesSameBranch(t *testing.T) {
	table := New(nil)

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := table.Acquire("wf-1", "main")
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxActive, "branch lock must serialize all holders")
}

func TestAcquireDoesNotSerializeDifferentBranches(t *testing.T) {
	table := New(nil)

	releaseA := table.Acquire("wf-1", "a")
	done := make(chan struct{})
	go func() {
		releaseB := table.Acquire("wf-1", "b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct branches should not block each other")
	}
	releaseA()
}

func TestSweepEvictsOnlyIdleUnreferenced(t *testing.T) {
	table := New(nil)

	release := table.Acquire("wf-1", "main")
	release()
	assert.Equal(t, 1, table.Len())

	evicted := table.Sweep(0)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, table.Len())
}

func TestSweepSkipsReferencedEntries(t *testing.T) {
	table := New(nil)

	release := table.Acquire("wf-1", "main")
	evicted := table.Sweep(0)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, table.Len())
	release()
}
