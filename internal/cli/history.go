package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stampede/internal/harness/history"
	"github.com/wesleyorama2/stampede/internal/harness/output"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List runs saved with --history",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := store.List(limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintf(out, "no runs in %s\n", store.Path())
			return nil
		}
		for _, e := range entries {
			status := "PASSED"
			if !e.Passed {
				status = "FAILED"
			}
			fmt.Fprintf(out, "%s  %s  %-6s  %-28s reqs=%d failed=%d%s\n",
				e.RunID, e.StartTime.Format(time.RFC3339), status, e.Name, e.Requests, e.Failed, formatFills(e.Fills))
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the summary of a saved run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.Get(args[0])
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("run %s not found in %s", args[0], store.Path())
		}
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.WriteJSON(cmd.OutOrStdout(), report)
		}
		noColor, _ := cmd.Flags().GetBool("no-color")
		output.NewConsoleOutput(output.ConsoleOutputConfig{
			Writer:  cmd.OutOrStdout(),
			NoColor: noColor,
		}).PrintSummary(report)
		return nil
	},
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		var err error
		if path, err = history.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return history.Open(path)
}

func formatFills(fills map[string]float64) string {
	if len(fills) == 0 {
		return ""
	}
	names := make([]string, 0, len(fills))
	for name := range fills {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%.0f", name, fills[name])
	}
	return " fills[" + strings.Join(parts, " ") + "]"
}

func init() {
	historyCmd.PersistentFlags().String("db", "", "History database (default ~/.stampede/history.db)")
	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")
	historyShowCmd.Flags().Bool("json", false, "Print the stored report as JSON")
	historyShowCmd.Flags().Bool("no-color", false, "Disable colored output")
	historyCmd.AddCommand(historyShowCmd)
}
