package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/logging"
	"github.com/wesleyorama2/stampede/internal/stampedetest"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Serve a local stand-in for the target service",
	Long: `Serve an in-memory version of the target service for trying the harness
without the real one:

  GET /api/without-singleflight   cache, fills on every miss
  GET /api/with-singleflight      cache, concurrent misses share one fill
  GET /api/clear-cache            drop the cached entry
  GET /metrics                    db_calls_total and friends

  stampede target --addr :8080 &
  stampede compare --base-url http://localhost:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		opts := stampedetest.DefaultOptions()
		opts.DBLatency, _ = cmd.Flags().GetDuration("db-latency")
		opts.CacheTTL, _ = cmd.Flags().GetDuration("cache-ttl")

		logger, err := logging.New(logging.DefaultConfig(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		server := &http.Server{
			Addr:              addr,
			Handler:           stampedetest.NewBackend(opts),
			ReadHeaderTimeout: 5 * time.Second,
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		logger.Info("target listening",
			zap.String("addr", addr),
			zap.Duration("db_latency", opts.DBLatency),
			zap.Duration("cache_ttl", opts.CacheTTL))

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	defaults := stampedetest.DefaultOptions()
	targetCmd.Flags().String("addr", ":8080", "Listen address")
	targetCmd.Flags().Duration("db-latency", defaults.DBLatency, "Latency of one simulated database call")
	targetCmd.Flags().Duration("cache-ttl", defaults.CacheTTL, "Lifetime of a cache entry")
}
