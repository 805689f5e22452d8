package executor

import (
	"context"

	"github.com/wesleyorama2/stampede/internal/harness"
)

// PerVUIterationsExecutor gives every VU its own fixed iteration count.
//
// All VUs are spawned first and released together, so with one iteration
// each the scenario is a single burst of VUs simultaneous requests. This is
// the executor used to provoke a cache stampede.
type PerVUIterationsExecutor struct {
	iterationRun
	profile PerVUIterations
}

// NewPerVUIterations creates a new per-VU iterations executor.
func NewPerVUIterations() *PerVUIterationsExecutor {
	return &PerVUIterationsExecutor{}
}

// Type returns the executor type.
func (e *PerVUIterationsExecutor) Type() Type {
	return TypePerVUIterations
}

// Init initializes the executor with configuration.
func (e *PerVUIterationsExecutor) Init(ctx context.Context, config *Config) error {
	if err := checkType(config, TypePerVUIterations); err != nil {
		return err
	}
	config.ApplyDefaults()

	e.config = config
	e.profile = config.Profile.(PerVUIterations)
	e.vus = e.profile.VUs
	e.total = int64(e.profile.VUs) * e.profile.Iterations
	return nil
}

// Run starts the executor and blocks until completion.
func (e *PerVUIterationsExecutor) Run(ctx context.Context, pool *harness.Pool) error {
	return e.run(ctx, pool, func() harness.IterationBudget {
		return harness.NewLocalBudget(e.profile.Iterations)
	})
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *PerVUIterationsExecutor) GetProgress() float64 {
	return e.progress()
}

// GetActiveVUs returns current active VU count.
func (e *PerVUIterationsExecutor) GetActiveVUs() int {
	return e.activeVUs()
}

// GetStats returns executor statistics.
func (e *PerVUIterationsExecutor) GetStats() *Stats {
	return e.stats()
}

// Stop gracefully stops the executor.
func (e *PerVUIterationsExecutor) Stop(ctx context.Context) error {
	e.stop()
	return nil
}

// Ensure PerVUIterationsExecutor implements Executor
var _ Executor = (*PerVUIterationsExecutor)(nil)
