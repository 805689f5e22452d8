// Package engine orchestrates a stampede run: setup reset, scenario
// scheduling, aggregation and teardown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/harness"
	"github.com/wesleyorama2/stampede/internal/harness/config"
	"github.com/wesleyorama2/stampede/internal/harness/executor"
	"github.com/wesleyorama2/stampede/internal/harness/metrics"
	"github.com/wesleyorama2/stampede/internal/harness/probe"
)

var (
	// ErrSetupReset aborts a run whose pre-run cache reset failed. No
	// scenario has started when it is returned.
	ErrSetupReset = errors.New("setup cache reset failed")

	// ErrAlreadyRunning is returned by Run while a run is in progress.
	ErrAlreadyRunning = errors.New("engine is already running")
)

// poolShutdownTimeout bounds the wait for VUs after an executor returns.
const poolShutdownTimeout = 5 * time.Second

// baselineScrapeTimeout bounds the backend scrape taken right before a
// scenario starts. A scenario whose baseline is missing has no backend delta.
const baselineScrapeTimeout = 2 * time.Second

// Engine is the main orchestrator for a stampede run.
//
// It coordinates:
//   - the setup cache reset and the backend probe baseline
//   - scenario launches at their start offsets
//   - per-scenario and run-wide aggregation
//   - threshold evaluation
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("comparison.yaml")
//	eng, _ := engine.NewEngine(cfg, engine.WithLogger(logger))
//	report, _ := eng.Run(context.Background())
//	fmt.Printf("passed: %v\n", report.Passed)
type Engine struct {
	config *config.TestConfig
	logger *zap.Logger
	sink   metrics.Sink

	httpConfig harness.HTTPClientConfig

	// client overrides every pool's client when set
	client *http.Client

	// control is used for setup resets and probe scrapes
	control *http.Client

	runners []*ScenarioRunner
	mu      sync.RWMutex

	startTime time.Time
	running   bool
	cancel    context.CancelFunc
}

// ScenarioRunner manages the execution of a single scenario.
type ScenarioRunner struct {
	Name       string
	Config     *config.ScenarioConfig
	ExecConfig *executor.Config
	Executor   executor.Executor
	Pool       *harness.Pool
	Scenario   *harness.Scenario
	Report     *ScenarioReport
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSink sets where per-request records go. The engine does not close it.
func WithSink(sink metrics.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithHTTPClient makes every scenario share client instead of building one
// from the settings.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.client = client }
}

// NewEngine creates an engine for cfg.
//
// Returns an error if the configuration is invalid.
func NewEngine(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config:     cfg,
		logger:     zap.NewNop(),
		sink:       metrics.NopSink{},
		httpConfig: cfg.HTTPClientConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.control = e.client
	if e.control == nil {
		e.control = harness.NewHTTPClient(e.httpConfig)
	}
	return e, nil
}

// Run executes the setup reset, every scenario, and the teardown, and
// returns the report.
//
// A failing scenario only raises its own failure counts. The run is aborted
// with ErrSetupReset when the setup reset fails; the returned report then
// carries the error and no scenario results.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	report := &RunReport{
		RunID:       uuid.NewString(),
		Name:        e.config.Name,
		Description: e.config.Description,
		StartTime:   e.startTime,
	}
	log := e.logger.With(zap.String("run_id", report.RunID))

	e.banner(log)

	if err := e.initializeScenarios(runCtx, report.RunID); err != nil {
		return e.abort(report, err), err
	}

	// Setup
	if *e.config.Setup.ResetCache {
		resets, err := e.setupReset(runCtx, log)
		report.SetupResets = resets
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrSetupReset, err)
			log.Error("aborting run", zap.Error(err))
			return e.abort(report, err), err
		}
	}

	var prober *probe.Probe
	if url := e.config.MetricsURL(); url != "" {
		prober = probe.New(e.control, url, e.config.Backend.Counters)
	}

	// Scenarios
	if ceiling := time.Duration(e.config.Settings.Ceiling); ceiling > 0 {
		var ceilingCancel context.CancelFunc
		runCtx, ceilingCancel = context.WithTimeout(runCtx, ceiling)
		defer ceilingCancel()
	}

	launches := make([]Launch, len(e.runners))
	for i, runner := range e.runners {
		runner := runner
		launches[i] = Launch{
			Name:   runner.Name,
			Offset: runner.ExecConfig.StartTime,
			Window: runner.ExecConfig.TotalDuration(),
			Run: func(ctx context.Context) {
				e.runScenario(ctx, log, runner, prober)
			},
		}
	}

	sequential := e.config.Options != nil && e.config.Options.Sequential
	schedule := NewScheduler(log, sequential).Run(runCtx, launches)
	report.Warnings = append(report.Warnings, schedule.Warnings...)

	// Teardown
	totals := metrics.NewCollector()
	for i, runner := range e.runners {
		rec := schedule.Records[i]
		sr := runner.Report
		if sr == nil {
			sr = e.newScenarioReport(runner)
			sr.Diagnosis = DiagnosisIdle
		}
		sr.LaunchSeq = rec.Seq
		sr.LaunchedAt = rec.LaunchedAt
		sr.Skipped = rec.Skipped
		if rec.Skipped {
			sr.Error = "not launched"
		}
		if sr.Overrun != nil {
			report.Warnings = append(report.Warnings, sr.Overrun.Error())
		}
		report.Scenarios = append(report.Scenarios, sr)
		totals.Merge(runner.Pool.Collector())
	}

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	report.Totals = totals.Snapshot()
	report.Checks = report.Totals.Checks
	report.Thresholds = evaluateThresholds(e.config.Thresholds, report.Totals, report.Duration)
	report.Passed = true
	for _, tr := range report.Thresholds {
		if !tr.Passed {
			report.Passed = false
			break
		}
	}

	e.teardown(log, report)
	return report, nil
}

// initializeScenarios creates executors and pools for all scenarios, in
// declaration order.
func (e *Engine) initializeScenarios(ctx context.Context, runID string) error {
	runners := make([]*ScenarioRunner, 0, len(e.config.Scenarios))

	for _, sc := range e.config.Scenarios {
		scenario, err := e.config.BuildScenario(sc)
		if err != nil {
			return err
		}

		execConfig, err := config.ToExecutorConfig(sc)
		if err != nil {
			return fmt.Errorf("failed to create executor for scenario %s: %w", sc.Name, err)
		}
		exec, err := executor.CreateAndInitExecutor(ctx, execConfig)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}

		pool := harness.NewPool(scenario, harness.PoolOptions{
			HTTP:   e.httpConfig,
			Client: e.client,
			Sink:   e.sink,
			RunID:  runID,
		})

		runners = append(runners, &ScenarioRunner{
			Name:       sc.Name,
			Config:     sc,
			ExecConfig: execConfig,
			Executor:   exec,
			Pool:       pool,
			Scenario:   scenario,
		})
	}

	e.mu.Lock()
	e.runners = runners
	e.mu.Unlock()
	return nil
}

// setupReset issues the pre-run reset, retrying on failure. It returns the
// number of reset requests sent.
func (e *Engine) setupReset(ctx context.Context, log *zap.Logger) (int64, error) {
	setupCtx := ctx
	if timeout := time.Duration(e.config.Options.SetupTimeout); timeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := e.config.ResetTarget()
	coordinator := harness.NewResetCoordinator(harness.NewRequester(e.control), target, harness.NoReset())
	interval := time.Duration(e.config.Setup.RetryInterval)
	attempts := 1
	if e.config.Setup.Retries != nil {
		attempts += *e.config.Setup.Retries
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = coordinator.Reset(setupCtx); err == nil {
			log.Info("cache reset", zap.String("url", target.URL), zap.Int("attempt", attempt))
			return coordinator.Issued(), nil
		}
		log.Warn("setup reset failed", zap.String("url", target.URL), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < attempts && !sleepCtx(setupCtx, interval) {
			break
		}
	}
	return coordinator.Issued(), err
}

// runScenario runs a single scenario and stores its report on the runner.
func (e *Engine) runScenario(ctx context.Context, log *zap.Logger, runner *ScenarioRunner, prober *probe.Probe) {
	log = log.With(zap.String("scenario", runner.Name))

	var before probe.Sample
	if prober != nil {
		scrapeCtx, cancel := context.WithTimeout(ctx, baselineScrapeTimeout)
		var err error
		before, err = prober.Scrape(scrapeCtx)
		cancel()
		if err != nil {
			log.Warn("backend probe failed", zap.Error(err))
		}
	}

	start := time.Now()
	err := runner.Executor.Run(ctx, runner.Pool)
	duration := time.Since(start)
	runner.Pool.Shutdown(poolShutdownTimeout)

	sr := e.newScenarioReport(runner)
	sr.Duration = duration
	if err != nil {
		sr.Error = err.Error()
	}

	stats := runner.Executor.GetStats()
	sr.Overrun = stats.Overrun
	sr.Iterations = runner.Pool.Iterations()
	sr.VUs = runner.Pool.SpawnedVUs()

	snap := runner.Pool.Collector().Snapshot()
	sr.Counts = snap.Counts
	sr.Checks = snap.Checks
	sr.StatusCodes = snap.StatusCodes
	sr.Latency = snap.Latency
	sr.Diagnosis = diagnose(snap.Counts)

	coordinator := runner.Pool.Coordinator()
	sr.ResetCalls = coordinator.Issued()
	sr.ResetFailures = coordinator.Failed()

	if prober != nil && before != nil {
		// The scenario context may be gone; the final scrape gets its own.
		scrapeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		after, err := prober.Scrape(scrapeCtx)
		cancel()
		if err != nil {
			log.Warn("backend probe failed", zap.Error(err))
		} else {
			sr.Backend = probe.Delta(before, after, e.config.Backend.Counters, runner.Config.Backend)
			log.Debug("backend delta", zap.String("series", probe.FormatMatchers(runner.Config.Backend)))
		}
	}

	fields := []zap.Field{
		zap.Duration("duration", duration),
		zap.Int("vus", sr.VUs),
		zap.Int64("iterations", sr.Iterations),
		zap.Int64("requests", sr.Requests),
		zap.Int64("transport_errors", sr.TransportErrors),
		zap.Int64("check_failures", sr.CheckFailures),
		zap.Int64("reset_calls", sr.ResetCalls),
		zap.String("diagnosis", string(sr.Diagnosis)),
	}
	for name, v := range sr.Backend {
		fields = append(fields, zap.Float64("backend_"+name, v))
	}
	log.Info("scenario finished", fields...)
	if sr.Overrun != nil {
		log.Warn("scheduling overrun", zap.Error(sr.Overrun))
	}

	e.mu.Lock()
	runner.Report = sr
	e.mu.Unlock()
}

func (e *Engine) newScenarioReport(runner *ScenarioRunner) *ScenarioReport {
	return &ScenarioReport{
		Name:        runner.Name,
		Executor:    string(runner.ExecConfig.Type()),
		Target:      runner.Scenario.Target.Name,
		URL:         runner.Scenario.Target.URL,
		StartOffset: runner.ExecConfig.StartTime,
		Checks:      map[string]metrics.CheckTally{},
		StatusCodes: map[int]int64{},
	}
}

func (e *Engine) abort(report *RunReport, err error) *RunReport {
	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	report.Passed = false
	report.Error = err.Error()
	report.Totals = metrics.NewCollector().Snapshot()
	report.Checks = report.Totals.Checks
	return report
}

func (e *Engine) banner(log *zap.Logger) {
	log.Info("starting run",
		zap.String("name", e.config.Name),
		zap.String("base_url", e.config.Settings.BaseURL),
		zap.Int("scenarios", len(e.config.Scenarios)),
		zap.Bool("setup_reset", *e.config.Setup.ResetCache),
	)
	for _, sc := range e.config.Scenarios {
		log.Info("scenario planned",
			zap.String("scenario", sc.Name),
			zap.String("executor", sc.Executor),
			zap.Int("vus", sc.VUs),
			zap.Int64("iterations", sc.Iterations),
			zap.Duration("start_time", time.Duration(sc.StartTime)),
			zap.String("target", sc.Exec),
			zap.String("reset", string(sc.ResetPolicy().Kind)),
		)
	}
}

func (e *Engine) teardown(log *zap.Logger, report *RunReport) {
	for _, w := range report.Warnings {
		log.Warn("run warning", zap.String("warning", w))
	}
	log.Info("run finished",
		zap.Duration("duration", report.Duration),
		zap.Int64("requests", report.Totals.Requests),
		zap.Int64("failed", report.Totals.Failed()),
		zap.Float64("check_pass_rate", report.Totals.CheckTotals().PassRate()),
		zap.Bool("passed", report.Passed),
	)
}

// GetConfig returns the run configuration.
func (e *Engine) GetConfig() *config.TestConfig {
	return e.config
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop ends the run early. Scenarios stop starting iterations, in-flight
// requests get their graceful-stop period, and scenarios not launched yet
// are skipped.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return nil
	}
	cancel := e.cancel
	runners := e.runners
	e.mu.RUnlock()

	var errs []error
	for _, runner := range runners {
		if err := runner.Executor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	return errors.Join(errs...)
}

// GetProgress returns the overall run progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.runners) == 0 {
		return 0.0
	}

	var totalProgress float64
	for _, runner := range e.runners {
		totalProgress += runner.Executor.GetProgress()
	}

	return totalProgress / float64(len(e.runners))
}

// GetScenarioStats returns current stats for all scenarios.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := make(map[string]*executor.Stats, len(e.runners))
	for _, runner := range e.runners {
		stats[runner.Name] = runner.Executor.GetStats()
	}
	return stats
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
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
