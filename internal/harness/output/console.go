// Package output renders run progress and reports for the terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/stampede/internal/harness/engine"
)

const (
	boxHorizontal = "━"

	progressFilled = "█"
	progressEmpty  = "░"

	clearLine = "\r\033[2K"
)

// ColorScheme defines the colors used for the different report elements.
type ColorScheme struct {
	Title     *color.Color
	Rule      *color.Color
	Label     *color.Color
	Value     *color.Color
	Dim       *color.Color
	Success   *color.Color
	Warn      *color.Color
	Error     *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme.
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Title:     color.New(color.Bold),
		Rule:      color.New(color.FgCyan),
		Label:     color.New(color.FgYellow),
		Value:     color.New(color.FgCyan),
		Dim:       color.New(color.Faint),
		Success:   color.New(color.FgGreen, color.Bold),
		Warn:      color.New(color.FgYellow, color.Bold),
		Error:     color.New(color.FgRed, color.Bold),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
}

// NoColorScheme returns a color scheme with all colors disabled.
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range []*color.Color{
		scheme.Title, scheme.Rule, scheme.Label, scheme.Value, scheme.Dim,
		scheme.Success, scheme.Warn, scheme.Error, scheme.Highlight,
	} {
		c.DisableColor()
	}
	return scheme
}

// LiveStats is one progress line.
type LiveStats struct {
	Progress   float64
	Elapsed    time.Duration
	ActiveVUs  int
	Iterations int64
	Scenario   string
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	Writer   io.Writer
	Quiet    bool
	NoColor  bool
	ForceTTY bool
}

// ConsoleOutput prints the run header, live progress and the final summary.
type ConsoleOutput struct {
	writer io.Writer
	colors *ColorScheme
	isTTY  bool
	quiet  bool

	mu       sync.Mutex
	liveLine bool
}

// NewConsoleOutput creates a console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	isTTY := config.ForceTTY || IsTerminal(config.Writer)

	colors := DefaultColorScheme()
	if config.NoColor || !isTTY || os.Getenv("NO_COLOR") != "" {
		colors = NoColorScheme()
	}

	return &ConsoleOutput{
		writer: config.Writer,
		colors: colors,
		isTTY:  isTTY,
		quiet:  config.Quiet,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run header.
func (c *ConsoleOutput) PrintHeader(name, baseURL string, scenarios int) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rule()
	c.writeln(c.colors.Title.Sprintf("%s - Running", name))
	c.writeln(c.colors.Dim.Sprintf("%s, %d scenarios", baseURL, scenarios))
	c.rule()
	c.writeln("")
}

// Update redraws the live progress line. It only draws on a terminal.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.write(clearLine)
	c.write(fmt.Sprintf("Progress: %s %s | %s | VUs: %s | Iterations: %s",
		c.colors.Success.Sprint(renderProgressBar(stats.Progress, 30)),
		c.colors.Title.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.Dim.Sprint(formatDuration(stats.Elapsed)),
		c.colors.Value.Sprint(stats.ActiveVUs),
		c.colors.Value.Sprint(formatNumber(stats.Iterations)),
	))
	c.liveLine = true
}

// PrintSummary prints the final report.
func (c *ConsoleOutput) PrintSummary(report *engine.RunReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLine {
		c.write(clearLine)
		c.liveLine = false
	}

	if c.quiet {
		if report.Passed {
			c.writeln(c.colors.Success.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.Error.Sprint("FAILED"))
		}
		return
	}

	status := c.colors.Success.Sprint("Completed ✓")
	if !report.Passed {
		status = c.colors.Error.Sprint("Failed ✗")
	}

	c.writeln("")
	c.rule()
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(report.Name), status))
	c.rule()
	c.writeln("")

	if report.Error != "" {
		c.writeln(fmt.Sprintf("%s %s", c.colors.Error.Sprint("Error:"), report.Error))
		c.writeln("")
		return
	}

	c.field("Run ID", report.RunID)
	c.field("Duration", formatDuration(report.Duration))
	c.field("Setup resets", fmt.Sprint(report.SetupResets))
	if report.Totals != nil {
		c.field("Total Reqs", formatNumber(report.Totals.Requests))
		c.field("Failed", fmt.Sprintf("%s (%.1f%%)", formatNumber(report.Totals.Failed()), report.Totals.ErrorRate()*100))
	}
	c.writeln("")

	for _, sr := range report.Scenarios {
		c.printScenario(sr)
	}

	if len(report.Scenarios) == 2 {
		c.printComparison(report.Scenarios[0], report.Scenarios[1])
	}

	if len(report.Checks) > 0 {
		c.writeln(c.colors.Title.Sprint("Checks:"))
		names := make([]string, 0, len(report.Checks))
		for name := range report.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tally := report.Checks[name]
			c.writeln(fmt.Sprintf("  %s %s  %s",
				c.icon(tally.Fails == 0), name,
				c.colors.Dim.Sprintf("%d passed, %d failed", tally.Passes, tally.Fails)))
		}
		c.writeln("")
	}

	if len(report.Thresholds) > 0 {
		c.writeln(c.colors.Title.Sprint("Thresholds:"))
		for _, t := range report.Thresholds {
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", c.icon(t.Passed), t.Metric, t.Expression, t.Value))
		}
		c.writeln("")
	}

	if len(report.Warnings) > 0 {
		c.writeln(c.colors.Warn.Sprint("Warnings:"))
		for _, w := range report.Warnings {
			c.writeln("  " + w)
		}
		c.writeln("")
	}
}

func (c *ConsoleOutput) printScenario(sr *engine.ScenarioReport) {
	c.writeln(fmt.Sprintf("%s %s",
		c.colors.Highlight.Sprint(sr.Name),
		c.colors.Dim.Sprintf("[%s] %s", sr.Executor, sr.URL)))

	if sr.Skipped {
		c.writeln("  " + c.colors.Warn.Sprint("not launched"))
		c.writeln("")
		return
	}

	c.writeln(fmt.Sprintf("  Offset:     %s (launch #%d)", formatDuration(sr.StartOffset), sr.LaunchSeq))
	c.writeln(fmt.Sprintf("  Duration:   %s", formatDuration(sr.Duration)))
	c.writeln(fmt.Sprintf("  VUs:        %d   Iterations: %s", sr.VUs, formatNumber(sr.Iterations)))
	c.writeln(fmt.Sprintf("  Requests:   %s   passed %s, transport errors %s, check failures %s",
		formatNumber(sr.Requests),
		c.colors.Success.Sprint(formatNumber(sr.Passed)),
		c.count(sr.TransportErrors),
		c.count(sr.CheckFailures)))
	c.writeln(fmt.Sprintf("  Resets:     %d (%d failed)", sr.ResetCalls, sr.ResetFailures))
	c.writeln(fmt.Sprintf("  Latency:    p50 %s  p95 %s  p99 %s  max %s",
		formatDurationShort(sr.Latency.P50),
		formatDurationShort(sr.Latency.P95),
		formatDurationShort(sr.Latency.P99),
		formatDurationShort(sr.Latency.Max)))

	if len(sr.StatusCodes) > 0 {
		codes := make([]int, 0, len(sr.StatusCodes))
		for code := range sr.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		parts := make([]string, len(codes))
		for i, code := range codes {
			parts[i] = fmt.Sprintf("%d×%d", code, sr.StatusCodes[code])
		}
		c.writeln("  Status:     " + strings.Join(parts, "  "))
	}

	if len(sr.Backend) > 0 {
		names := make([]string, 0, len(sr.Backend))
		for name := range sr.Backend {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.writeln(fmt.Sprintf("  %s %s", c.colors.Label.Sprintf("%-26s", name+":"), c.colors.Value.Sprintf("%.0f", sr.Backend[name])))
		}
	}

	diag := c.colors.Success.Sprint(sr.Diagnosis)
	if sr.Diagnosis != engine.DiagnosisOK {
		diag = c.colors.Warn.Sprint(sr.Diagnosis)
	}
	c.writeln("  Diagnosis:  " + diag)
	if sr.Overrun != nil {
		c.writeln("  " + c.colors.Warn.Sprint(sr.Overrun.Error()))
	}
	if sr.Error != "" {
		c.writeln("  " + c.colors.Error.Sprint(sr.Error))
	}
	c.writeln("")
}

// printComparison prints the backend counters of two phases side by side.
func (c *ConsoleOutput) printComparison(a, b *engine.ScenarioReport) {
	if len(a.Backend) == 0 || len(b.Backend) == 0 {
		return
	}
	names := make([]string, 0, len(a.Backend))
	for name := range a.Backend {
		if _, ok := b.Backend[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	c.writeln(c.colors.Title.Sprint("Comparison:"))
	c.writeln(c.colors.Dim.Sprintf("  %-26s %14s %14s", "", a.Name, b.Name))
	for _, name := range names {
		c.writeln(fmt.Sprintf("  %-26s %14.0f %14.0f", name, a.Backend[name], b.Backend[name]))
	}
	c.writeln("")
}

func (c *ConsoleOutput) field(label, value string) {
	c.writeln(fmt.Sprintf("%s %s", c.colors.Label.Sprintf("%-14s", label+":"), c.colors.Value.Sprint(value)))
}

func (c *ConsoleOutput) count(n int64) string {
	if n == 0 {
		return c.colors.Success.Sprint("0")
	}
	return c.colors.Error.Sprint(formatNumber(n))
}

func (c *ConsoleOutput) icon(ok bool) string {
	if ok {
		return c.colors.Success.Sprint("✓")
	}
	return c.colors.Error.Sprint("✗")
}

func (c *ConsoleOutput) rule() {
	c.writeln(c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, 56)))
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}
