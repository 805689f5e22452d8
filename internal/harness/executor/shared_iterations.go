package executor

import (
	"context"

	"github.com/wesleyorama2/stampede/internal/harness"
)

// SharedIterationsExecutor runs a fixed total of iterations across a set of
// VUs. Each VU claims the next iteration from a shared budget as soon as it
// is free, so fast VUs run more iterations than slow ones but the total is
// exact.
type SharedIterationsExecutor struct {
	iterationRun
	profile SharedIterations
	budget  *harness.SharedBudget
}

// NewSharedIterations creates a new shared iterations executor.
func NewSharedIterations() *SharedIterationsExecutor {
	return &SharedIterationsExecutor{}
}

// Type returns the executor type.
func (e *SharedIterationsExecutor) Type() Type {
	return TypeSharedIterations
}

// Init initializes the executor with configuration.
func (e *SharedIterationsExecutor) Init(ctx context.Context, config *Config) error {
	if err := checkType(config, TypeSharedIterations); err != nil {
		return err
	}
	config.ApplyDefaults()

	e.config = config
	e.profile = config.Profile.(SharedIterations)
	e.vus = e.profile.VUs
	e.total = e.profile.Iterations
	return nil
}

// Run starts the executor and blocks until completion.
func (e *SharedIterationsExecutor) Run(ctx context.Context, pool *harness.Pool) error {
	e.mu.Lock()
	e.budget = harness.NewSharedBudget(e.profile.Iterations)
	budget := e.budget
	e.mu.Unlock()

	return e.run(ctx, pool, func() harness.IterationBudget { return budget })
}

// Remaining returns how many iterations are still unclaimed.
func (e *SharedIterationsExecutor) Remaining() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.budget == nil {
		return e.total
	}
	return e.budget.Remaining()
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *SharedIterationsExecutor) GetProgress() float64 {
	return e.progress()
}

// GetActiveVUs returns current active VU count.
func (e *SharedIterationsExecutor) GetActiveVUs() int {
	return e.activeVUs()
}

// GetStats returns executor statistics.
func (e *SharedIterationsExecutor) GetStats() *Stats {
	return e.stats()
}

// Stop gracefully stops the executor.
func (e *SharedIterationsExecutor) Stop(ctx context.Context) error {
	e.stop()
	return nil
}

// Ensure SharedIterationsExecutor implements Executor
var _ Executor = (*SharedIterationsExecutor)(nil)
