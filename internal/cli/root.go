package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// ErrRunFailed is returned when a run completed but did not pass its
// thresholds, or was aborted during setup.
var ErrRunFailed = errors.New("run failed")

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "stampede",
	Short:   "Load-test harness comparing cache stampede against single-flight",
	Version: version,
	Long: `Stampede drives bursts of concurrent virtual users against a cached
HTTP endpoint and reports what each burst cost the backend. Run it against a
service exposing an unprotected endpoint and a single-flight endpoint to see
how many backend fills a cold-cache burst causes with and without request
coalescing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(compareCmd)
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(executorsCmd)
	RootCmd.AddCommand(targetCmd)
	RootCmd.AddCommand(historyCmd)
}
