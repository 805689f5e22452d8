package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness"
)

// controllerInterval is how often the ramping controller re-evaluates the
// target VU count.
const controllerInterval = 100 * time.Millisecond

// RampingVUsExecutor ramps VU count up and down according to stages.
//
// This executor smoothly interpolates VU counts between stages, avoiding
// step-wise VU changes that cause jarring throughput variations. VUs removed
// on ramp-down finish their current iteration first.
//
// Example stages:
//
//	startVUs: 0
//	stages:
//	  - duration: 10s
//	    target: 50     # Ramp from 0 to 50 VUs over 10s
//	  - duration: 30s
//	    target: 50     # Hold 50 VUs
//	  - duration: 10s
//	    target: 0      # Ramp down to 0 VUs
type RampingVUsExecutor struct {
	config  *Config
	profile RampingVUs
	pool    *harness.Pool

	// State
	startTime    time.Time
	endTime      time.Time
	targetVUs    atomic.Int32
	currentStage atomic.Int32
	running      atomic.Bool

	win     *window
	overrun *harness.SchedulingOverrun

	// Stats
	mu sync.RWMutex
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUsExecutor {
	return &RampingVUsExecutor{}
}

// Type returns the executor type.
func (e *RampingVUsExecutor) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUsExecutor) Init(ctx context.Context, config *Config) error {
	if err := checkType(config, TypeRampingVUs); err != nil {
		return err
	}
	config.ApplyDefaults()

	e.config = config
	e.profile = config.Profile.(RampingVUs)
	return nil
}

// Run starts the executor and blocks until completion.
func (e *RampingVUsExecutor) Run(ctx context.Context, pool *harness.Pool) error {
	if e.config == nil {
		return errors.New("executor not initialized")
	}

	// The stages end the scenario unless max-duration cuts it shorter.
	limit := e.profile.totalDuration()
	if e.config.MaxDuration > 0 && e.config.MaxDuration < limit {
		limit = e.config.MaxDuration
	}

	win := openWindow(ctx, limit, e.config.GracefulStop, pool.ReleaseBarrier)
	defer win.close()

	e.mu.Lock()
	e.pool = pool
	e.win = win
	e.startTime = time.Now()
	e.mu.Unlock()
	e.running.Store(true)

	pace := e.config.Pacing.pacer()
	spawn := func(vu *harness.VirtualUser) {
		pool.Start(win.stopCtx, win.hardCtx, vu, harness.Unlimited(), pace)
	}

	// Start VU controller (adjusts VU count smoothly)
	controllerDone := make(chan struct{})
	go func() {
		e.vuController(win.stopCtx, spawn)
		close(controllerDone)
	}()

	<-win.stopCtx.Done()
	<-controllerDone

	// VUs finish their current iteration; hardCtx interrupts stragglers.
	pool.StopAllVUs()
	pool.Wait()

	e.mu.Lock()
	e.endTime = time.Now()
	e.overrun = detectOverrun(e.config.Name, limit, e.endTime.Sub(e.startTime), 0, false)
	e.mu.Unlock()
	e.running.Store(false)

	return nil
}

// vuController adjusts VU count according to stages.
func (e *RampingVUsExecutor) vuController(ctx context.Context, spawn func(*harness.VirtualUser)) {
	e.adjustVUs(e.profile.StartVUs, spawn)

	ticker := time.NewTicker(controllerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			target, stage := targetVUsAt(e.profile, time.Since(e.startTime))
			e.currentStage.Store(int32(stage))
			e.adjustVUs(target, spawn)
		}
	}
}

func (e *RampingVUsExecutor) adjustVUs(target int, spawn func(*harness.VirtualUser)) {
	e.targetVUs.Store(int32(target))
	e.pool.ScaleVUs(target, spawn)
}

// targetVUsAt returns the interpolated VU target and the index of the
// current stage at elapsed time into the profile.
func targetVUsAt(profile RampingVUs, elapsed time.Duration) (int, int) {
	var stageStart time.Duration
	prevTarget := profile.StartVUs

	for i, stage := range profile.Stages {
		stageEnd := stageStart + stage.Duration

		if elapsed < stageEnd {
			// Calculate progress within this stage (0.0 to 1.0)
			stageProgress := float64(elapsed-stageStart) / float64(stage.Duration)
			if stageProgress < 0 {
				stageProgress = 0
			}
			if stageProgress > 1 {
				stageProgress = 1
			}

			// Linear interpolation between previous and current target
			targetVUs := float64(prevTarget) + float64(stage.Target-prevTarget)*stageProgress
			return int(targetVUs + 0.5), i
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	// Past all stages - return last target
	if n := len(profile.Stages); n > 0 {
		return profile.Stages[n-1].Target, n - 1
	}
	return profile.StartVUs, 0
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUsExecutor) GetProgress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running.Load() {
		if e.startTime.IsZero() {
			return 0.0
		}
		return 1.0
	}

	totalDuration := e.profile.totalDuration()
	if totalDuration == 0 {
		return 1.0
	}

	progress := float64(time.Since(e.startTime)) / float64(totalDuration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns current active VU count.
func (e *RampingVUsExecutor) GetActiveVUs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pool == nil {
		return 0
	}
	return e.pool.RunningVUs()
}

// GetStats returns executor statistics.
func (e *RampingVUsExecutor) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var elapsed time.Duration
	switch {
	case !e.endTime.IsZero():
		elapsed = e.endTime.Sub(e.startTime)
	case !e.startTime.IsZero():
		elapsed = time.Since(e.startTime)
	}

	stageIdx := int(e.currentStage.Load())
	stageName := ""
	if stageIdx < len(e.profile.Stages) {
		stageName = e.profile.Stages[stageIdx].Name
	}

	var active int
	var iterations int64
	if e.pool != nil {
		active = e.pool.RunningVUs()
		iterations = e.pool.Iterations()
	}

	return &Stats{
		StartTime:        e.startTime,
		CurrentTime:      time.Now(),
		Elapsed:          elapsed,
		TotalDuration:    e.profile.totalDuration(),
		ActiveVUs:        active,
		TargetVUs:        int(e.targetVUs.Load()),
		Iterations:       iterations,
		CurrentStage:     stageIdx,
		CurrentStageName: stageName,
		TotalStages:      len(e.profile.Stages),
		Overrun:          e.overrun,
	}
}

// Stop gracefully stops the executor.
func (e *RampingVUsExecutor) Stop(ctx context.Context) error {
	e.mu.RLock()
	win := e.win
	e.mu.RUnlock()
	if win != nil {
		win.stopCancel()
	}
	return nil
}

// Ensure RampingVUsExecutor implements Executor
var _ Executor = (*RampingVUsExecutor)(nil)
