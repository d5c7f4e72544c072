package sandbox

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockVerifier is a fake Verifier that records peak concurrency.
type mockVerifier struct {
	delay   time.Duration
	current atomic.Int64
	peak    atomic.Int64
	sweeps  atomic.Int64
}

func (m *mockVerifier) Verify(ctx context.Context, candidate, _ string) Result {
	n := m.current.Add(1)
	defer m.current.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return failed("", "", ctx.Err())
	}
	return Result{Passed: strings.Contains(candidate, "ok")}
}

func (m *mockVerifier) Sweep(context.Context) error {
	m.sweeps.Add(1)
	return nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	mock := &mockVerifier{delay: 20 * time.Millisecond}
	pool := NewPool(mock, PoolConfig{Workers: 2}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Verify(context.Background(), "ok", "")
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, mock.peak.Load(), int64(2))
	_, total := pool.PoolStats()
	require.Equal(t, int64(8), total)
}

func TestPoolPassesResultThrough(t *testing.T) {
	pool := NewPool(&mockVerifier{}, PoolConfig{Workers: 1}, nil)
	require.True(t, pool.Verify(context.Background(), "ok", "").Passed)
	require.False(t, pool.Verify(context.Background(), "bad", "").Passed)
}

func TestPoolCanceledWhileWaiting(t *testing.T) {
	mock := &mockVerifier{delay: 200 * time.Millisecond}
	pool := NewPool(mock, PoolConfig{Workers: 1}, nil)

	go pool.Verify(context.Background(), "ok", "")
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := pool.Verify(ctx, "ok", "")
	require.False(t, res.Passed)
	require.NotEmpty(t, res.Stderr)
}

func TestPoolSweeps(t *testing.T) {
	mock := &mockVerifier{}
	pool := NewPool(mock, PoolConfig{Workers: 1, SweepInterval: 10 * time.Millisecond}, nil)

	pool.StartPool(context.Background())
	require.Eventually(t, func() bool { return mock.sweeps.Load() >= 2 }, time.Second, 5*time.Millisecond)
	pool.StopPool()
}

func TestPoolRunTimeoutExcludesQueueing(t *testing.T) {
	mock := &mockVerifier{delay: 40 * time.Millisecond}
	pool := NewPool(mock, PoolConfig{Workers: 1}, nil)

	// Six serial runs take far longer than one run's limit.
	ctx := WithRunTimeout(context.Background(), 150*time.Millisecond)
	var wg sync.WaitGroup
	var passed atomic.Int64
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pool.Verify(ctx, "ok", "").Passed {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(6), passed.Load())
}

func TestPoolRunTimeoutBoundsRun(t *testing.T) {
	pool := NewPool(&mockVerifier{delay: time.Second}, PoolConfig{Workers: 1}, nil)

	start := time.Now()
	res := pool.Verify(WithRunTimeout(context.Background(), 20*time.Millisecond), "ok", "")
	require.False(t, res.Passed)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
