package hostpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConcurrencyNeverExceedsLimit covers I3: the number of concurrent
// in-flight tasks on a host never exceeds its configured limit.
func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	p := New(map[string]int{"fenrir-chat": 2})

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, p.Acquire(context.Background(), "fenrir-chat"))
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			p.Release("fenrir-chat")
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(maxActive), 2)
}

func TestAcquireCancellable(t *testing.T) {
	p := New(map[string]int{"host": 1})
	require.NoError(t, p.Acquire(context.Background(), "host"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Acquire(ctx, "host")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestRateLimitThrottlesAdmission covers the soft per-host admission
// throttle: a host limited to 60/min (1/sec) with a slack concurrency
// limit should not admit a burst of requests faster than its bucket
// allows.
func TestRateLimitThrottlesAdmission(t *testing.T) {
	p := NewWithRateLimits(map[string]int{"host": 10}, map[string]int{"host": 60})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Acquire(context.Background(), "host"))
		p.Release("host")
	}
	elapsed := time.Since(start)

	// Burst of 1 consumed immediately; the next two wait roughly 1s apart.
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
}

func TestNoRateLimitDoesNotThrottle(t *testing.T) {
	p := NewWithRateLimits(map[string]int{"host": 10}, map[string]int{"host": 0})

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Acquire(context.Background(), "host"))
		p.Release("host")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegisterUnregisterTask(t *testing.T) {
	p := New(map[string]int{"host": 3})
	require.NoError(t, p.Acquire(context.Background(), "host"))
	p.RegisterTask("host", "t1")

	status := p.Status()["host"]
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, []string{"t1"}, status.TaskIDs)

	p.UnregisterTask("host", "t1")
	p.Release("host")

	status = p.Status()["host"]
	assert.Equal(t, 0, status.Active)
	assert.Equal(t, 3, status.Available)
}
