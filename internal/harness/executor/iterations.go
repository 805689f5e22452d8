package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness"
)

// iterationRun is the machinery shared by the iteration-based executors:
// spawn a fixed set of VUs, release them from one start gate, and wait for
// them under the scenario's two deadlines.
type iterationRun struct {
	config *Config
	pool   *harness.Pool

	vus   int
	total int64

	startTime time.Time
	endTime   time.Time
	running   atomic.Bool

	mu      sync.Mutex
	win     *window
	overrun *harness.SchedulingOverrun
}

func (r *iterationRun) run(ctx context.Context, pool *harness.Pool, budgetFor func() harness.IterationBudget) error {
	if r.config == nil {
		return errors.New("executor not initialized")
	}

	win := openWindow(ctx, r.config.MaxDuration, r.config.GracefulStop, pool.ReleaseBarrier)
	defer win.close()

	r.mu.Lock()
	r.pool = pool
	r.win = win
	r.startTime = time.Now()
	r.mu.Unlock()
	r.running.Store(true)

	pace := r.config.Pacing.pacer()
	gate := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < r.vus; i++ {
		vu := pool.SpawnVU()
		budget := budgetFor()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			pool.RunVU(win.stopCtx, win.hardCtx, vu, budget, pace)
		}()
	}
	close(gate)
	wg.Wait()

	cutOff := win.stopped()

	r.mu.Lock()
	r.endTime = time.Now()
	elapsed := r.endTime.Sub(r.startTime)
	r.overrun = detectOverrun(r.config.Name, r.config.MaxDuration, elapsed, r.remaining(), cutOff)
	r.mu.Unlock()
	r.running.Store(false)

	return nil
}

func (r *iterationRun) iterations() int64 {
	if r.pool == nil {
		return 0
	}
	return r.pool.Iterations()
}

func (r *iterationRun) remaining() int64 {
	left := r.total - r.iterations()
	if left < 0 {
		return 0
	}
	return left
}

func (r *iterationRun) progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startTime.IsZero() {
		return 0.0
	}
	if !r.running.Load() || r.total == 0 {
		return 1.0
	}
	progress := float64(r.iterations()) / float64(r.total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

func (r *iterationRun) activeVUs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool == nil {
		return 0
	}
	return r.pool.RunningVUs()
}

func (r *iterationRun) stats() *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var elapsed time.Duration
	switch {
	case !r.endTime.IsZero():
		elapsed = r.endTime.Sub(r.startTime)
	case !r.startTime.IsZero():
		elapsed = time.Since(r.startTime)
	}

	active := 0
	if r.pool != nil {
		active = r.pool.RunningVUs()
	}

	return &Stats{
		StartTime:       r.startTime,
		CurrentTime:     time.Now(),
		Elapsed:         elapsed,
		TotalDuration:   r.config.MaxDuration,
		ActiveVUs:       active,
		TargetVUs:       r.vus,
		Iterations:      r.iterations(),
		TotalIterations: r.total,
		Overrun:         r.overrun,
	}
}

func (r *iterationRun) stop() {
	r.mu.Lock()
	win := r.win
	r.mu.Unlock()
	if win != nil {
		win.stopCancel()
	}
}
