package harness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is inside an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop and will not
	// start another iteration.
	VUStateStopping
	// VUStateStopped indicates the VU's goroutine has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is one simulated client running iterations sequentially.
//
// Each VU has its own:
// - ordinal, 1-based and scoped to its scenario
// - iteration counter
// - local aggregate, merged into the scenario collector in batches
//
// VUs are created by a Pool and never outlive their scenario.
type VirtualUser struct {
	// ID is the VU's ordinal within its scenario, starting at 1.
	ID int

	scenario    *Scenario
	requester   *Requester
	coordinator *ResetCoordinator
	local       *metrics.Local
	sink        metrics.Sink
	runID       string

	state     atomic.Int32
	stopCh    chan struct{}
	doneCh    chan struct{}
	iteration atomic.Int64

	lastIterStart time.Time
	lastIterEnd   time.Time
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns how many iterations the VU has completed.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// Enter runs the one-time work a VU does before its first iteration: under
// a leader reset policy the leader resets the cache here and the others wait
// on the barrier. An error means the VU must not run any iteration.
//
// Reset request failures are recorded by the coordinator and do not stop
// the VU.
func (vu *VirtualUser) Enter(ctx context.Context) error {
	if vu.coordinator == nil || vu.coordinator.Policy().Kind != ResetLeader {
		return nil
	}
	_, err := vu.coordinator.ResetIfDue(ctx, vu.ID, 0)
	if err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

// RunIteration performs one iteration: a due periodic reset, then one
// request against the scenario target. The outcome is folded into the VU's
// local aggregate and emitted to the sink before it is returned.
//
// stopCtx ends when no new iteration may start. hardCtx bounds the request
// itself and outlives stopCtx by the graceful-stop period.
func (vu *VirtualUser) RunIteration(stopCtx, hardCtx context.Context) (*RequestOutcome, error) {
	if s := vu.GetState(); s == VUStateStopping || s == VUStateStopped {
		return nil, ErrVUStopped
	}
	select {
	case <-stopCtx.Done():
		return nil, ErrVUStopped
	case <-vu.stopCh:
		return nil, ErrVUStopped
	default:
	}

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	vu.lastIterStart = time.Now()
	index := vu.iteration.Load()

	if vu.coordinator != nil && vu.coordinator.Policy().Kind == ResetPeriodic {
		// Failures are counted by the coordinator; the iteration still runs.
		_, _ = vu.coordinator.ResetIfDue(hardCtx, vu.ID, index)
	}

	out := vu.requester.Do(hardCtx, vu.scenario.Target)
	out.Scenario = vu.scenario.Name
	out.VU = vu.ID
	out.Iteration = index

	vu.iteration.Add(1)
	vu.local.Observe(out.Sample())
	if vu.sink != nil {
		vu.sink.Emit(out.Record(vu.runID))
	}

	vu.lastIterEnd = time.Now()
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	return out, nil
}

// RequestStop signals the VU to stop after completing the current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-vu.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// MarkStopped flushes the VU's local aggregate and marks it fully stopped.
// Called by the pool when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateStopped {
		return
	}
	vu.local.Flush()
	if prev != VUStateStopping {
		close(vu.stopCh)
	}
	close(vu.doneCh)
}
