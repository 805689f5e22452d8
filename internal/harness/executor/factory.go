package executor

import (
	"context"
	"fmt"
)

// NewExecutor creates a new executor of the specified type or alias.
//
// Supported types:
//   - "per-vu-iterations" (alias "fixed-vu-single-shot")
//   - "shared-iterations" (alias "shared-iteration-pool")
//   - "ramping-vus" (alias "ramping-stages")
//
// Returns an uninitialized executor. Call Init() before Run().
func NewExecutor(executorType Type) (Executor, error) {
	canonical, ok := NormalizeType(string(executorType))
	if !ok {
		return nil, fmt.Errorf("unknown executor type: %s", executorType)
	}
	switch canonical {
	case TypePerVUIterations:
		return NewPerVUIterations(), nil
	case TypeSharedIterations:
		return NewSharedIterations(), nil
	default:
		return NewRampingVUs(), nil
	}
}

// CreateAndInitExecutor creates and initializes an executor with the given config.
//
// This is a convenience function that combines NewExecutor and Init.
func CreateAndInitExecutor(ctx context.Context, cfg *Config) (Executor, error) {
	exec, err := NewExecutor(cfg.Type())
	if err != nil {
		return nil, err
	}

	if err := exec.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	return exec, nil
}

// IsValidExecutorType returns true if the name is a valid executor type or alias.
func IsValidExecutorType(executorType string) bool {
	_, ok := NormalizeType(executorType)
	return ok
}

// GetSupportedExecutors returns a list of all supported executor types.
func GetSupportedExecutors() []Type {
	return []Type{
		TypePerVUIterations,
		TypeSharedIterations,
		TypeRampingVUs,
	}
}

// ExecutorDescription provides documentation for an executor type.
type ExecutorDescription struct {
	Type        Type
	Alias       string
	Name        string
	Description string
	UseCases    []string
}

// GetExecutorDescription returns documentation for an executor type.
func GetExecutorDescription(executorType Type) *ExecutorDescription {
	canonical, _ := NormalizeType(string(executorType))
	switch canonical {
	case TypePerVUIterations:
		return &ExecutorDescription{
			Type:        TypePerVUIterations,
			Alias:       "fixed-vu-single-shot",
			Name:        "Per-VU Iterations",
			Description: "Every VU runs a fixed number of iterations. All VUs start together, so one iteration each is a single burst.",
			UseCases: []string{
				"Provoking a cache stampede with N simultaneous requests",
				"Comparing backend fills for an identical burst",
			},
		}
	case TypeSharedIterations:
		return &ExecutorDescription{
			Type:        TypeSharedIterations,
			Alias:       "shared-iteration-pool",
			Name:        "Shared Iterations",
			Description: "VUs race for a shared budget of iterations. Exactly the configured total runs, spread unevenly across VUs.",
			UseCases: []string{
				"Sending a fixed number of requests as fast as N workers allow",
				"Periodic cache resets over a long request stream",
			},
		}
	case TypeRampingVUs:
		return &ExecutorDescription{
			Type:        TypeRampingVUs,
			Alias:       "ramping-stages",
			Name:        "Ramping VUs",
			Description: "Ramps VU count up and down according to stages. Smoothly interpolates between stage targets.",
			UseCases: []string{
				"Gradually raising concurrency against a cold cache",
				"Finding the VU count at which backend fills start to climb",
			},
		}
	default:
		return nil
	}
}

// CalculateMaxVUs returns the maximum number of VUs that might be used.
func CalculateMaxVUs(cfg *Config) int {
	return cfg.MaxVUs()
}
