package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Launch is one scenario handed to the Scheduler.
type Launch struct {
	Name string

	// Offset is when the scenario starts, relative to the scheduler start.
	Offset time.Duration

	// Window is how long the scenario is expected to run, for overlap
	// warnings only. Zero means unknown.
	Window time.Duration

	// Run executes the scenario and blocks until it is done.
	Run func(ctx context.Context)
}

// LaunchRecord is what happened to one Launch.
type LaunchRecord struct {
	Name   string        `json:"name"`
	Offset time.Duration `json:"offset"`

	// Seq is the 1-based launch order, 0 when the scenario never launched.
	Seq int `json:"seq"`

	LaunchedAt time.Time `json:"launchedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
}

// Schedule is the outcome of a Scheduler run. Records follow the order the
// launches were given in.
type Schedule struct {
	Start    time.Time
	Records  []LaunchRecord
	Warnings []string
}

// Scheduler launches scenarios at their start offsets.
//
// A single dispatcher walks the launches sorted by offset, with declaration
// order breaking ties, and starts each one when its offset is reached on the
// scheduler's clock. Scenarios run concurrently unless the scheduler is
// sequential, in which case each one also waits for the previous one to
// finish.
type Scheduler struct {
	logger     *zap.Logger
	sequential bool
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *zap.Logger, sequential bool) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger, sequential: sequential}
}

// Run launches every scenario and blocks until all launched ones finish.
// When ctx ends, scenarios that have not launched yet are skipped and the
// running ones see the cancellation.
func (s *Scheduler) Run(ctx context.Context, launches []Launch) *Schedule {
	order := make([]int, len(launches))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return launches[order[a]].Offset < launches[order[b]].Offset
	})

	schedule := &Schedule{
		Start:   time.Now(),
		Records: make([]LaunchRecord, len(launches)),
	}
	for i, l := range launches {
		schedule.Records[i] = LaunchRecord{Name: l.Name, Offset: l.Offset, Skipped: true}
	}
	if !s.sequential {
		schedule.Warnings = s.overlaps(launches, order)
	}

	var g errgroup.Group
	var prevDone chan struct{}
	seq := 0

dispatch:
	for _, idx := range order {
		l := launches[idx]

		if !waitUntil(ctx, schedule.Start.Add(l.Offset)) {
			break dispatch
		}
		if s.sequential && prevDone != nil {
			select {
			case <-prevDone:
			case <-ctx.Done():
				break dispatch
			}
		}

		seq++
		rec := &schedule.Records[idx]
		rec.Seq = seq
		rec.Skipped = false
		rec.LaunchedAt = time.Now()

		s.logger.Info("scenario launched",
			zap.String("scenario", l.Name),
			zap.Int("seq", seq),
			zap.Duration("offset", l.Offset),
			zap.Duration("actual_offset", rec.LaunchedAt.Sub(schedule.Start)),
		)

		done := make(chan struct{})
		prevDone = done
		g.Go(func() error {
			defer close(done)
			l.Run(ctx)
			rec.FinishedAt = time.Now()
			return nil
		})
	}

	_ = g.Wait()

	for _, rec := range schedule.Records {
		if rec.Skipped {
			s.logger.Warn("scenario skipped", zap.String("scenario", rec.Name), zap.Duration("offset", rec.Offset))
			schedule.Warnings = append(schedule.Warnings,
				fmt.Sprintf("scenario %s was not launched: the run ended before its start offset %s", rec.Name, rec.Offset))
		}
	}
	return schedule
}

// overlaps reports scenarios whose windows intersect. Overlap is allowed
// since every scenario aggregates separately, but it usually means the
// phases were meant to be apart.
func (s *Scheduler) overlaps(launches []Launch, order []int) []string {
	var warnings []string
	for i := 1; i < len(order); i++ {
		prev, next := launches[order[i-1]], launches[order[i]]
		if prev.Window <= 0 {
			continue
		}
		if end := prev.Offset + prev.Window; end > next.Offset {
			msg := fmt.Sprintf("scenario %s (starts %s) may overlap %s (window ends %s)", next.Name, next.Offset, prev.Name, end)
			s.logger.Warn("overlapping scenarios",
				zap.String("scenario", next.Name),
				zap.String("previous", prev.Name),
				zap.Duration("offset", next.Offset),
				zap.Duration("previous_end", end),
			)
			warnings = append(warnings, msg)
		}
	}
	return warnings
}

// waitUntil blocks until t or until ctx ends. It reports whether t was
// reached.
func waitUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
