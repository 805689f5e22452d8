package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleeper(d time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
}

func TestScheduler_LaunchOrder(t *testing.T) {
	launches := []Launch{
		{Name: "a", Offset: 0, Run: sleeper(0)},
		{Name: "b", Offset: 60 * time.Millisecond, Run: sleeper(0)},
		{Name: "c", Offset: 30 * time.Millisecond, Run: sleeper(0)},
		{Name: "d", Offset: 30 * time.Millisecond, Run: sleeper(0)},
	}

	schedule := NewScheduler(nil, false).Run(context.Background(), launches)
	require.Len(t, schedule.Records, 4)

	// Records stay in declaration order.
	names := []string{}
	seqs := map[string]int{}
	for _, rec := range schedule.Records {
		names = append(names, rec.Name)
		seqs[rec.Name] = rec.Seq
		assert.False(t, rec.Skipped)
		assert.GreaterOrEqual(t, rec.LaunchedAt.Sub(schedule.Start), rec.Offset, "scenario %s launched early", rec.Name)
		assert.False(t, rec.FinishedAt.IsZero())
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)

	// Equal offsets launch in declaration order.
	assert.Equal(t, map[string]int{"a": 1, "c": 2, "d": 3, "b": 4}, seqs)
	assert.Empty(t, schedule.Warnings)
}

func TestScheduler_Concurrent(t *testing.T) {
	launches := []Launch{
		{Name: "long", Offset: 0, Run: sleeper(150 * time.Millisecond)},
		{Name: "short", Offset: 20 * time.Millisecond, Run: sleeper(0)},
	}

	schedule := NewScheduler(nil, false).Run(context.Background(), launches)
	long, short := schedule.Records[0], schedule.Records[1]

	assert.True(t, short.LaunchedAt.Before(long.FinishedAt), "second scenario waited for the first")
	assert.Less(t, short.LaunchedAt.Sub(schedule.Start), 140*time.Millisecond)
}

func TestScheduler_Sequential(t *testing.T) {
	launches := []Launch{
		{Name: "first", Offset: 0, Run: sleeper(80 * time.Millisecond)},
		{Name: "second", Offset: 10 * time.Millisecond, Run: sleeper(0)},
	}

	schedule := NewScheduler(nil, true).Run(context.Background(), launches)
	first, second := schedule.Records[0], schedule.Records[1]

	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)
	assert.False(t, second.LaunchedAt.Before(first.FinishedAt))
}

func TestScheduler_SkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	ran := map[string]bool{}
	run := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
		}
	}

	launches := []Launch{
		{Name: "now", Offset: 0, Run: run("now")},
		{Name: "later", Offset: time.Hour, Run: run("later")},
	}

	start := time.Now()
	schedule := NewScheduler(nil, false).Run(ctx, launches)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.True(t, ran["now"])
	assert.False(t, ran["later"])

	later := schedule.Records[1]
	assert.True(t, later.Skipped)
	assert.Equal(t, 0, later.Seq)
	assert.True(t, later.LaunchedAt.IsZero())

	require.Len(t, schedule.Warnings, 1)
	assert.Contains(t, schedule.Warnings[0], "later was not launched")
}

func TestScheduler_RunningScenarioSeesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	launches := []Launch{{
		Name: "blocked",
		Run: func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		},
	}}

	go func() {
		<-started
		cancel()
	}()

	schedule := NewScheduler(nil, false).Run(ctx, launches)
	assert.False(t, schedule.Records[0].Skipped)
	assert.False(t, schedule.Records[0].FinishedAt.IsZero())
}

func TestScheduler_OverlapWarning(t *testing.T) {
	launches := []Launch{
		{Name: "burst", Offset: 0, Window: 100 * time.Millisecond, Run: sleeper(0)},
		{Name: "follow", Offset: 50 * time.Millisecond, Run: sleeper(0)},
		{Name: "apart", Offset: 60 * time.Millisecond, Run: sleeper(0)},
	}

	schedule := NewScheduler(nil, false).Run(context.Background(), launches)
	require.Len(t, schedule.Warnings, 1)
	assert.Contains(t, schedule.Warnings[0], "follow")
	assert.Contains(t, schedule.Warnings[0], "may overlap burst")

	// Sequential runs cannot overlap.
	schedule = NewScheduler(nil, true).Run(context.Background(), launches)
	assert.Empty(t, schedule.Warnings)
}

func TestScheduler_Empty(t *testing.T) {
	schedule := NewScheduler(nil, false).Run(context.Background(), nil)
	assert.Empty(t, schedule.Records)
	assert.Empty(t, schedule.Warnings)
}

func TestWaitUntil(t *testing.T) {
	assert.True(t, waitUntil(context.Background(), time.Now().Add(-time.Second)))
	assert.True(t, waitUntil(context.Background(), time.Now().Add(10*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, waitUntil(ctx, time.Now()))
	assert.False(t, waitUntil(ctx, time.Now().Add(time.Hour)))
}
