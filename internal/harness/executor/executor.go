// Package executor provides the concurrency policies that drive a scenario's
// virtual users.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness"
)

// Type identifies the type of executor.
type Type string

const (
	// TypePerVUIterations runs a fixed number of iterations per VU.
	TypePerVUIterations Type = "per-vu-iterations"

	// TypeSharedIterations shares a total iteration count across VUs.
	TypeSharedIterations Type = "shared-iterations"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"
)

var typeAliases = map[string]Type{
	"fixed-vu-single-shot":  TypePerVUIterations,
	"shared-iteration-pool": TypeSharedIterations,
	"ramping-stages":        TypeRampingVUs,
}

// NormalizeType maps an executor name or alias to its canonical Type.
func NormalizeType(name string) (Type, bool) {
	switch t := Type(name); t {
	case TypePerVUIterations, TypeSharedIterations, TypeRampingVUs:
		return t, true
	}
	t, ok := typeAliases[name]
	return t, ok
}

const (
	// DefaultGracefulStop is how long in-flight requests may run past
	// max-duration before they are cancelled.
	DefaultGracefulStop = 30 * time.Second

	// DefaultMaxDuration bounds iteration-based executors.
	DefaultMaxDuration = 10 * time.Minute

	// overrunTolerance absorbs scheduling jitter before a scenario that
	// finished late is reported as an overrun.
	overrunTolerance = 250 * time.Millisecond
)

// Executor defines the interface for VU concurrency policies.
//
// Executors control HOW a scenario's load is generated: how many VUs exist,
// when they start, and how many iterations each may run. They drive a
// harness.Pool which owns the VUs themselves.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init initializes the executor with configuration.
	// Called once before Run().
	Init(ctx context.Context, config *Config) error

	// Run starts the executor and blocks until every VU has exited.
	// Cancelling ctx stops new iterations; in-flight requests get the
	// graceful-stop period before they are interrupted.
	Run(ctx context.Context, pool *harness.Pool) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the scenario early. No new iterations start.
	Stop(ctx context.Context) error
}

// Profile is the executor-specific part of a Config. It is one of
// PerVUIterations, SharedIterations or RampingVUs.
type Profile interface {
	executorType() Type
	maxVUs() int
	validate() error
}

// PerVUIterations runs VUs copies of the target, each exactly Iterations
// times. With Iterations = 1 every VU fires once and all of them are
// released together, which produces a burst. Iterations = 0 means 1.
type PerVUIterations struct {
	VUs        int   `json:"vus" yaml:"vus"`
	Iterations int64 `json:"iterations" yaml:"iterations"`
}

func (PerVUIterations) executorType() Type { return TypePerVUIterations }
func (p PerVUIterations) maxVUs() int      { return p.VUs }

func (p PerVUIterations) validate() error {
	if p.VUs <= 0 {
		return &ValidationError{Field: "vus", Message: "vus must be > 0"}
	}
	if p.Iterations < 0 {
		return &ValidationError{Field: "iterations", Message: "iterations must be >= 0"}
	}
	return nil
}

// SharedIterations runs exactly Iterations iterations in total across VUs
// workers, whichever VU is free claims the next one.
type SharedIterations struct {
	VUs        int   `json:"vus" yaml:"vus"`
	Iterations int64 `json:"iterations" yaml:"iterations"`
}

func (SharedIterations) executorType() Type { return TypeSharedIterations }
func (p SharedIterations) maxVUs() int      { return p.VUs }

func (p SharedIterations) validate() error {
	if p.VUs <= 0 {
		return &ValidationError{Field: "vus", Message: "vus must be > 0"}
	}
	if p.Iterations <= 0 {
		return &ValidationError{Field: "iterations", Message: "iterations must be > 0"}
	}
	return nil
}

// RampingVUs moves the VU count through Stages, starting from StartVUs.
type RampingVUs struct {
	StartVUs int     `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`
	Stages   []Stage `json:"stages" yaml:"stages"`
}

func (RampingVUs) executorType() Type { return TypeRampingVUs }

func (p RampingVUs) maxVUs() int {
	maxVUs := p.StartVUs
	for _, stage := range p.Stages {
		if stage.Target > maxVUs {
			maxVUs = stage.Target
		}
	}
	return maxVUs
}

func (p RampingVUs) validate() error {
	if p.StartVUs < 0 {
		return &ValidationError{Field: "startVUs", Message: "startVUs must be >= 0"}
	}
	if len(p.Stages) == 0 {
		return &ValidationError{Field: "stages", Message: "at least one stage is required"}
	}
	for i, stage := range p.Stages {
		if stage.Duration <= 0 {
			return &ValidationError{Field: "stages[" + strconv.Itoa(i) + "].duration", Message: "duration must be > 0"}
		}
		if stage.Target < 0 {
			return &ValidationError{Field: "stages[" + strconv.Itoa(i) + "].target", Message: "target must be >= 0"}
		}
	}
	return nil
}

func (p RampingVUs) totalDuration() time.Duration {
	var total time.Duration
	for _, stage := range p.Stages {
		total += stage.Duration
	}
	return total
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the scenario name
	Name string `json:"name" yaml:"name"`

	// StartTime is the offset from run start at which the scenario launches
	StartTime time.Duration `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// MaxDuration bounds the scenario. No iteration starts after it elapses.
	MaxDuration time.Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// Graceful stop timeout
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Pacing between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	Profile Profile `json:"profile" yaml:"profile"`
}

// Stage defines a stage in ramping executors.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	// Iteration stats
	Iterations      int64 `json:"iterations"`
	TotalIterations int64 `json:"totalIterations"`

	// Stage info (for ramping executors)
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`

	// Overrun is set once the scenario has finished late or was cut off
	Overrun *harness.SchedulingOverrun `json:"overrun,omitempty"`
}

// Type returns the executor type selected by the profile.
func (c *Config) Type() Type {
	if c.Profile == nil {
		return ""
	}
	return c.Profile.executorType()
}

// MaxVUs returns the maximum number of VUs the scenario may use.
func (c *Config) MaxVUs() int {
	if c.Profile == nil {
		return 0
	}
	return c.Profile.maxVUs()
}

// TotalDuration returns how long the scenario is scheduled to take at most.
func (c *Config) TotalDuration() time.Duration {
	if c.MaxDuration > 0 {
		return c.MaxDuration
	}
	if r, ok := c.Profile.(RampingVUs); ok {
		return r.totalDuration()
	}
	return 0
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.GracefulStop == 0 {
		c.GracefulStop = DefaultGracefulStop
	}
	switch p := c.Profile.(type) {
	case PerVUIterations:
		if p.Iterations == 0 {
			p.Iterations = 1
			c.Profile = p
		}
		if c.MaxDuration == 0 {
			c.MaxDuration = DefaultMaxDuration
		}
	case SharedIterations:
		if c.MaxDuration == 0 {
			c.MaxDuration = DefaultMaxDuration
		}
	case RampingVUs:
		if c.MaxDuration == 0 {
			c.MaxDuration = p.totalDuration()
		}
	}
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Profile == nil {
		return &ValidationError{Field: "executor", Message: "executor type is required"}
	}
	if c.StartTime < 0 {
		return &ValidationError{Field: "startTime", Message: "startTime must be >= 0"}
	}
	if c.MaxDuration < 0 {
		return &ValidationError{Field: "maxDuration", Message: "maxDuration must be >= 0"}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}
	if err := c.Pacing.validate(); err != nil {
		return err
	}
	return c.Profile.validate()
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// window holds the two deadlines of a running scenario. stopCtx ends at
// max-duration and stops new iterations. hardCtx ends GracefulStop later and
// interrupts requests still in flight.
type window struct {
	stopCtx    context.Context
	stopCancel context.CancelFunc
	hardCtx    context.Context
	hardCancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

func openWindow(parent context.Context, maxDuration, grace time.Duration, onStop func()) *window {
	w := &window{done: make(chan struct{})}
	if maxDuration > 0 {
		w.stopCtx, w.stopCancel = context.WithTimeout(parent, maxDuration)
	} else {
		w.stopCtx, w.stopCancel = context.WithCancel(parent)
	}
	w.hardCtx, w.hardCancel = context.WithCancel(context.WithoutCancel(parent))

	go func() {
		select {
		case <-w.stopCtx.Done():
		case <-w.done:
			return
		}
		if onStop != nil {
			onStop()
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			w.hardCancel()
		case <-w.done:
		}
	}()
	return w
}

// stopped reports whether the stop deadline passed or the parent ended.
func (w *window) stopped() bool {
	return w.stopCtx.Err() != nil
}

func (w *window) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.stopCancel()
		w.hardCancel()
	})
}

// detectOverrun returns a SchedulingOverrun when a scenario finished past
// its max-duration or was cut off with iterations left, nil otherwise.
func detectOverrun(name string, maxDuration, elapsed time.Duration, remaining int64, cutOff bool) *harness.SchedulingOverrun {
	late := maxDuration > 0 && elapsed > maxDuration+overrunTolerance
	if !late && !(cutOff && remaining > 0) {
		return nil
	}
	return &harness.SchedulingOverrun{
		Scenario:            name,
		MaxDuration:         maxDuration,
		Actual:              elapsed,
		RemainingIterations: remaining,
	}
}

func checkType(config *Config, want Type) error {
	if config.Type() != want {
		return fmt.Errorf("invalid config type: expected %s, got %s", want, config.Type())
	}
	return config.Validate()
}
