package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/wesleyorama2/stampede/internal/cli"
)

// Main is the entry point for the application
// It's exported to make it testable
func Main() int {
	if err := cli.Execute(); err != nil {
		// A plain threshold failure is already in the summary.
		if !errors.Is(err, cli.ErrRunFailed) || errors.Unwrap(err) != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(Main())
}
