package executor

import (
	"context"
	"math/rand"
	"time"
)

// PacingType identifies the type of pacing.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// PacingConfig controls time between iterations.
type PacingConfig struct {
	// Type of pacing: "none", "constant", "random"
	Type PacingType `json:"type" yaml:"type"`

	// Duration for constant pacing
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min duration for random pacing
	Min time.Duration `json:"min,omitempty" yaml:"min,omitempty"`

	// Max duration for random pacing
	Max time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

func (p *PacingConfig) validate() error {
	if p == nil {
		return nil
	}
	switch p.Type {
	case "", PacingNone:
	case PacingConstant:
		if p.Duration < 0 {
			return &ValidationError{Field: "pacing.duration", Message: "duration must be >= 0"}
		}
	case PacingRandom:
		if p.Min < 0 || p.Max < p.Min {
			return &ValidationError{Field: "pacing", Message: "random pacing needs 0 <= min <= max"}
		}
	default:
		return &ValidationError{Field: "pacing.type", Message: "unknown pacing type: " + string(p.Type)}
	}
	return nil
}

// wait returns how long to pause before the next iteration.
func (p *PacingConfig) wait() time.Duration {
	if p == nil {
		return 0
	}
	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		diff := p.Max - p.Min
		if diff > 0 {
			return p.Min + time.Duration(rand.Int63n(int64(diff)))
		}
		return p.Min
	}
	return 0
}

// pacer returns the function VUs call between iterations, or nil when no
// pacing is configured. It returns false if ctx ended during the pause.
func (p *PacingConfig) pacer() func(context.Context) bool {
	if p == nil || p.Type == "" || p.Type == PacingNone {
		return nil
	}
	return func(ctx context.Context) bool {
		wait := p.wait()
		if wait <= 0 {
			return ctx.Err() == nil
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}
}
