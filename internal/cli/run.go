package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/harness/config"
	"github.com/wesleyorama2/stampede/internal/harness/engine"
	"github.com/wesleyorama2/stampede/internal/harness/history"
	"github.com/wesleyorama2/stampede/internal/harness/metrics"
	"github.com/wesleyorama2/stampede/internal/harness/output"
	"github.com/wesleyorama2/stampede/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scenarios of a configuration file",
	Long: `Run every scenario of a configuration file and print the report.

The target's cache is reset once before the first scenario. Scenarios launch
at their start offsets; each one reports its own request outcomes, check
results and, when the target exposes Prometheus metrics, the backend fills it
caused.

  stampede run --config comparison.yaml
  stampede run -c comparison.yaml --json --out report.json
  stampede run -c comparison.yaml --jsonl records.jsonl --metrics-addr :9464

The exit status is 1 when a threshold fails or the setup reset fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		if configFile == "" {
			return errors.New("--config is required")
		}

		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return err
		}

		opts, err := readRunOptions(cmd)
		if err != nil {
			return err
		}
		if opts.baseURL != "" {
			cfg.Settings.BaseURL = opts.baseURL
		}
		if sequential, _ := cmd.Flags().GetBool("sequential"); sequential {
			if cfg.Options == nil {
				cfg.Options = &config.ExecutionOptions{}
			}
			cfg.Options.Sequential = true
		}

		return executeRun(cmd, cfg, opts)
	},
}

// runOptions are the output and logging flags shared by run and compare.
type runOptions struct {
	jsonOut     bool
	outPath     string
	jsonlPath   string
	metricsAddr string
	historyPath string
	quiet       bool
	noColor     bool
	baseURL     string
	log         logging.Config
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("json", false, "Print the report as JSON instead of the summary")
	cmd.Flags().StringP("out", "o", "", "Write the JSON report to a file")
	cmd.Flags().String("jsonl", "", "Write one JSON record per request to a file")
	cmd.Flags().String("metrics-addr", "", "Serve harness metrics for Prometheus on this address (e.g. :9464)")
	cmd.Flags().String("history", "", "Save the report to this history database")
	cmd.Flags().BoolP("quiet", "q", false, "Only print PASSED or FAILED")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().String("log-format", "console", "Log format: console, json")
	cmd.Flags().String("log-file", "", "Also write JSON logs to this file, with rotation")
}

func readRunOptions(cmd *cobra.Command) (runOptions, error) {
	opts := runOptions{log: logging.DefaultConfig()}
	opts.jsonOut, _ = cmd.Flags().GetBool("json")
	opts.outPath, _ = cmd.Flags().GetString("out")
	opts.jsonlPath, _ = cmd.Flags().GetString("jsonl")
	opts.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	opts.historyPath, _ = cmd.Flags().GetString("history")
	opts.quiet, _ = cmd.Flags().GetBool("quiet")
	opts.noColor, _ = cmd.Flags().GetBool("no-color")
	if cmd.Flags().Lookup("base-url") != nil {
		opts.baseURL, _ = cmd.Flags().GetString("base-url")
	}

	opts.log.Level, _ = cmd.Flags().GetString("log-level")
	opts.log.Format, _ = cmd.Flags().GetString("log-format")
	if path, _ := cmd.Flags().GetString("log-file"); path != "" {
		opts.log.Output = "both"
		opts.log.FilePath = path
	}
	if opts.quiet {
		opts.log.Level = "error"
	}
	if _, err := logging.ParseLevel(opts.log.Level); err != nil {
		return opts, err
	}
	return opts, nil
}

// executeRun runs cfg and renders the result. It returns ErrRunFailed when
// the run did not pass.
func executeRun(cmd *cobra.Command, cfg *config.TestConfig, opts runOptions) error {
	logger, err := logging.New(opts.log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sink, closeSinks, err := buildSinks(opts, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	eng, err := engine.NewEngine(cfg, engine.WithLogger(logger), engine.WithSink(sink))
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		Writer:  cmd.OutOrStdout(),
		Quiet:   opts.quiet || opts.jsonOut,
		NoColor: opts.noColor,
	})
	console.PrintHeader(cfg.Name, cfg.Settings.BaseURL, len(cfg.Scenarios))

	report, runErr := runWithProgress(ctx, eng, console)
	if report == nil {
		return runErr
	}

	if opts.jsonOut {
		if err := output.WriteJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		console.PrintSummary(report)
	}

	if opts.outPath != "" {
		if err := output.WriteJSONFile(opts.outPath, report); err != nil {
			logger.Error("failed to write report", zap.String("path", opts.outPath), zap.Error(err))
		}
	}
	if opts.historyPath != "" {
		saveHistory(opts.historyPath, report, logger)
	}

	if runErr != nil {
		return fmt.Errorf("%w: %v", ErrRunFailed, runErr)
	}
	if !report.Passed {
		return ErrRunFailed
	}
	return nil
}

// runWithProgress runs eng and redraws the progress line until it returns.
func runWithProgress(ctx context.Context, eng *engine.Engine, console *output.ConsoleOutput) (*engine.RunReport, error) {
	type result struct {
		report *engine.RunReport
		err    error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		report, err := eng.Run(ctx)
		done <- result{report, err}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case r := <-done:
			return r.report, r.err
		case <-ticker.C:
			stats := &output.LiveStats{
				Progress: eng.GetProgress(),
				Elapsed:  time.Since(start),
			}
			for _, s := range eng.GetScenarioStats() {
				stats.ActiveVUs += s.ActiveVUs
				stats.Iterations += s.Iterations
			}
			console.Update(stats)
		}
	}
}

func buildSinks(opts runOptions, logger *zap.Logger) (metrics.Sink, func(), error) {
	var sinks metrics.MultiSink
	var server *http.Server

	if opts.jsonlPath != "" {
		f, err := os.Create(opts.jsonlPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create records file: %w", err)
		}
		sinks = append(sinks, metrics.NewJSONLinesSink(f))
	}

	if opts.metricsAddr != "" {
		prom := metrics.NewPrometheusSink()
		sinks = append(sinks, prom)

		ln, err := net.Listen("tcp", opts.metricsAddr)
		if err != nil {
			_ = sinks.Close()
			return nil, nil, fmt.Errorf("failed to listen on %s: %w", opts.metricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("serving harness metrics", zap.String("addr", ln.Addr().String()))
	}

	closeAll := func() {
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = server.Shutdown(ctx)
			cancel()
		}
		if err := sinks.Close(); err != nil {
			logger.Error("failed to close record sinks", zap.Error(err))
		}
	}

	if len(sinks) == 0 {
		return metrics.NopSink{}, closeAll, nil
	}
	return sinks, closeAll, nil
}

func saveHistory(path string, report *engine.RunReport, logger *zap.Logger) {
	store, err := history.Open(path)
	if err != nil {
		logger.Error("failed to open history", zap.Error(err))
		return
	}
	defer store.Close()

	if err := store.Save(report); err != nil {
		logger.Error("failed to save run", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	logger.Info("run saved", zap.String("run_id", report.RunID), zap.String("history", path))
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
	runCmd.Flags().String("base-url", "", "Override settings.baseUrl")
	runCmd.Flags().Bool("sequential", false, "Launch each scenario only after the previous one finished")
	addRunFlags(runCmd)
}
