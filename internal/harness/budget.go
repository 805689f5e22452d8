package harness

import (
	"math"
	"sync/atomic"
)

// IterationBudget hands out permission to start iterations.
type IterationBudget interface {
	// Acquire claims one iteration. It returns false once the budget is spent.
	Acquire() bool
}

// SharedBudget is a fixed number of iterations that several VUs race for.
// Exactly total acquisitions succeed no matter how many VUs compete.
type SharedBudget struct {
	total     int64
	remaining atomic.Int64
}

// NewSharedBudget creates a budget of total iterations.
func NewSharedBudget(total int64) *SharedBudget {
	b := &SharedBudget{total: total}
	b.remaining.Store(total)
	return b
}

// Acquire implements IterationBudget.
func (b *SharedBudget) Acquire() bool {
	return b.remaining.Add(-1) >= 0
}

// Remaining returns how many iterations have not been claimed yet.
func (b *SharedBudget) Remaining() int64 {
	if r := b.remaining.Load(); r > 0 {
		return r
	}
	return 0
}

// Consumed returns how many iterations were claimed.
func (b *SharedBudget) Consumed() int64 {
	return b.total - b.Remaining()
}

// localBudget is owned by a single VU and needs no synchronization.
type localBudget struct {
	left int64
}

// NewLocalBudget returns a budget for one VU's own n iterations.
func NewLocalBudget(n int64) IterationBudget {
	return &localBudget{left: n}
}

func (b *localBudget) Acquire() bool {
	if b.left <= 0 {
		return false
	}
	b.left--
	return true
}

// Unlimited returns a budget that never runs out. Ramping VUs use it and
// stop on their stop signal instead.
func Unlimited() IterationBudget {
	return &localBudget{left: math.MaxInt64}
}
