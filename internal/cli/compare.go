package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stampede/internal/harness/config"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Run the built-in stampede vs single-flight comparison",
	Long: `Run the two-phase comparison without a configuration file.

Phase one sends a burst of simultaneous requests to the unprotected
endpoint. After --gap, VU 1 of phase two clears the cache and, once the reset
is done, the same burst hits the single-flight endpoint.

  stampede compare --base-url http://localhost:8080
  stampede compare --vus 200 --gap 5s --no-probe`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("base-url")
		if baseURL == "" {
			return fmt.Errorf("--base-url is required")
		}

		compareOpts := config.DefaultComparisonOptions()
		compareOpts.VUs, _ = cmd.Flags().GetInt("vus")
		compareOpts.Iterations, _ = cmd.Flags().GetInt64("iterations")
		compareOpts.Gap, _ = cmd.Flags().GetDuration("gap")
		compareOpts.MaxDuration, _ = cmd.Flags().GetDuration("max-duration")
		if noProbe, _ := cmd.Flags().GetBool("no-probe"); noProbe {
			compareOpts.Probe = false
		}

		cfg := config.DefaultComparison(strings.TrimRight(baseURL, "/"), compareOpts)
		if checks, _ := cmd.Flags().GetFloat64("min-check-rate"); checks > 0 {
			cfg.Thresholds = &config.ThresholdsConfig{
				Checks: []string{fmt.Sprintf("rate >= %g", checks)},
			}
		}

		opts, err := readRunOptions(cmd)
		if err != nil {
			return err
		}
		opts.baseURL = ""
		return executeRun(cmd, cfg, opts)
	},
}

func init() {
	defaults := config.DefaultComparisonOptions()

	compareCmd.Flags().String("base-url", "http://localhost:8080", "Base URL of the target service")
	compareCmd.Flags().Int("vus", defaults.VUs, "VUs per phase")
	compareCmd.Flags().Int64("iterations", defaults.Iterations, "Iterations per VU")
	compareCmd.Flags().Duration("gap", defaults.Gap, "Start offset of the single-flight phase")
	compareCmd.Flags().Duration("max-duration", defaults.MaxDuration, "Max duration of each phase")
	compareCmd.Flags().Bool("no-probe", false, "Do not read the target's /metrics endpoint")
	compareCmd.Flags().Float64("min-check-rate", 0, "Fail the run when the check pass rate is below this (0 to disable)")
	addRunFlags(compareCmd)
}
