package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/brightloom/tilesched/internal/common"
)

func TestSubmitRunsOnPoolGoroutine(t *testing.T) {
	p := New(2, common.GetLogger())
	defer p.Stop()

	var ran int32
	err := p.Submit(context.Background(), func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	assert.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	p := New(1, common.GetLogger())
	defer p.Stop()

	wantErr := errors.New("kernel exploded")
	err := p.Submit(context.Background(), func() error { return wantErr })

	assert.Equal(t, wantErr, err)
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(2, common.GetLogger())
	defer p.Stop()

	var active int32
	var maxActive int32
	const tasks = 6

	results := make(chan error, tasks)
	for i := 0; i < tasks; i++ {
		go func() {
			results <- p.Submit(context.Background(), func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}

	for i := 0; i < tasks; i++ {
		assert.NoError(t, <-results)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(2))
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	p := New(1, common.GetLogger())
	defer p.Stop()

	blocker := make(chan struct{})
	go p.Submit(context.Background(), func() error {
		<-blocker
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Submit(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker)
}
