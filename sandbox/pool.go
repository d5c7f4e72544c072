package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PoolConfig configures the verification worker pool.
type PoolConfig struct {
	// Workers is the maximum number of concurrent verifications (default 4).
	Workers int
	// SweepInterval is how often leftovers are cleaned up (default 5m).
	SweepInterval time.Duration
}

// Pool wraps a Verifier and bounds how many verifications run at once, so
// subprocess runs never starve request handlers. It also periodically sweeps
// leftovers when the inner verifier supports it.
type Pool struct {
	inner  Verifier
	config PoolConfig
	logger *zap.Logger

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	total    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool around the given verifier.
func NewPool(inner Verifier, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		inner:  inner,
		config: cfg,
		logger: logger.Named("sandbox"),
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// StartPool begins the background sweep loop. Call StopPool to shut down.
func (p *Pool) StartPool(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	sweeper, ok := p.inner.(Sweeper)
	if !ok {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop(sweeper)
	}()
}

// StopPool stops the sweep loop.
func (p *Pool) StopPool() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// PoolStats returns the number of verifications currently running and the
// number completed since the pool was created.
func (p *Pool) PoolStats() (inFlight, total int64) {
	return p.inFlight.Load(), p.total.Load()
}

// Verify waits for a free worker and then delegates to the inner verifier.
// A run timeout set with WithRunTimeout starts once the worker is acquired.
func (p *Pool) Verify(ctx context.Context, candidate, tests string) Result {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return failed("", "", err)
	}
	defer p.sem.Release(1)

	if d, ok := RunTimeout(ctx); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	start := time.Now()
	res := p.inner.Verify(ctx, candidate, tests)
	p.total.Add(1)
	p.logger.Debug("verification finished",
		zap.Bool("passed", res.Passed),
		zap.Duration("took", time.Since(start)))
	return res
}

func (p *Pool) sweepLoop(s Sweeper) {
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(p.ctx); err != nil {
				p.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
