package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/template-worker/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gaugeRecorder keeps the last in-flight value
type gaugeRecorder struct {
	metrics.NoopRecorder
	inFlight atomic.Int64
}

func (r *gaugeRecorder) SetBuildsInFlight(n int) { r.inFlight.Store(int64(n)) }

func TestGovernor_AcquireRelease(t *testing.T) {
	rec := &gaugeRecorder{}
	g := NewGovernor(2, rec)

	release1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, g.InFlight())
	assert.Equal(t, int64(2), rec.inFlight.Load())

	release1()
	release1() // second call is a no-op
	assert.Equal(t, 1, g.InFlight())

	release2()
	assert.Equal(t, 0, g.InFlight())
	assert.Equal(t, 2, g.Peak())
	assert.Equal(t, int64(0), rec.inFlight.Load())
}

func TestGovernor_AcquireBlocksUntilCanceled(t *testing.T) {
	g := NewGovernor(1, nil)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, g.InFlight())
}

func TestGovernor_NeverExceedsLimit(t *testing.T) {
	const limit = 3
	g := NewGovernor(limit, nil)

	var active, maxActive atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background())
			if err != nil {
				return
			}
			defer release()

			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxActive.Load(), int64(limit))
	assert.LessOrEqual(t, g.Peak(), limit)
	assert.Equal(t, 0, g.InFlight())
}

func TestGovernor_MinimumLimit(t *testing.T) {
	assert.Equal(t, 1, NewGovernor(0, nil).Limit())
}
