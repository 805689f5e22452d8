package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stampede/internal/harness/config"
	"github.com/wesleyorama2/stampede/internal/harness/executor"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file without running it",
	Long: `Load a configuration file, apply defaults and validate it. Every problem
found is reported, not only the first one.

  stampede validate --config comparison.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		if configFile == "" && len(args) > 0 {
			configFile = args[0]
		}
		if configFile == "" {
			return errors.New("--config is required")
		}

		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%s is invalid:\n%w", configFile, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ %s is valid (%d scenarios)\n", configFile, len(cfg.Scenarios))
		for _, sc := range cfg.Scenarios {
			execType, _ := executor.NormalizeType(sc.Executor)
			fmt.Fprintf(out, "  %-16s %-18s vus=%-5d start=%-6s target=%s reset=%s\n",
				sc.Name, execType, scenarioVUs(sc), time.Duration(sc.StartTime), sc.Exec, sc.ResetPolicy().Kind)
		}
		return nil
	},
}

func scenarioVUs(sc *config.ScenarioConfig) int {
	execCfg, err := config.ToExecutorConfig(sc)
	if err != nil {
		return sc.VUs
	}
	return execCfg.MaxVUs()
}

var executorsCmd = &cobra.Command{
	Use:   "executors",
	Short: "List the supported executors",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, t := range executor.GetSupportedExecutors() {
			desc := executor.GetExecutorDescription(t)
			fmt.Fprintf(out, "%s (alias %s)\n  %s\n", desc.Type, desc.Alias, desc.Description)
			for _, uc := range desc.UseCases {
				fmt.Fprintf(out, "  - %s\n", uc)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
}
