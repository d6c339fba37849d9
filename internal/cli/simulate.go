package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Filter string // scenario filter (glob pattern on the file name)
	Quiet  bool   // omit per-scenario traces
}

// SimulateResult is the simulate command's structured output.
type SimulateResult struct {
	*harness.SuiteResult
	quiet bool
}

// WriteText renders each scenario's trace and a summary line.
func (r SimulateResult) WriteText(w io.Writer) error {
	for _, run := range r.Runs {
		status := "PASS"
		if !run.Result.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s (%s)\n", status, run.Name, run.Path)
		if !r.quiet {
			for _, ev := range run.Result.Trace {
				fmt.Fprintf(w, "  %3d %-4s %s\n", ev.Seq, ev.Type, describeEvent(ev))
			}
		}
		for _, msg := range run.Result.Errors {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(strings.TrimRight(msg, "\n"), "\n", "\n  "))
		}
	}
	for _, f := range r.Failures {
		if f.Scenario == "" {
			fmt.Fprintf(w, "ERROR %s: %s\n", f.Path, f.Error)
		}
	}

	fmt.Fprintln(w)
	_, err := fmt.Fprintf(w, "Simulation Summary: %d passed, %d failed, %d total\n", r.Passed, r.Failed, r.TotalScenarios)
	return err
}

// describeEvent renders a trace event's op and non-empty fields.
func describeEvent(ev harness.TraceEvent) string {
	parts := []string{ev.Op}
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	add("name", ev.Name)
	if ev.ProductID != 0 {
		add("product_id", fmt.Sprint(ev.ProductID))
	}
	add("serial", ev.Serial)
	if ev.UnitID != 0 {
		add("unit_id", fmt.Sprint(ev.UnitID))
	}
	add("outcome", ev.Outcome)
	add("state", ev.State)
	add("upload", ev.Upload)
	add("error", ev.Error)
	return strings.Join(parts, " ")
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml|dir>...",
		Short: "Run workflow scenarios against an in-memory registry",
		Long: `Run workflow scenarios against an in-memory registry and print the
registry calls each run made.

A scenario seeds the registry, drives a run through resolve, report and
finish steps, and asserts on the calls made and the journal rows left.
Directories are expanded to the .yaml and .yml files they contain.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad filter)

Examples:
  mfgtest simulate ./scenarios
  mfgtest simulate ./scenarios --filter "upload_*" --quiet
  mfgtest simulate ./scenarios/allocate_on_sentinel.yaml --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on the file name")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "omit registry call traces")

	return cmd
}

func runSimulate(opts *SimulateOptions, paths []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	files, err := harness.ExpandPaths(paths)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	files, err = filterScenarios(files, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter pattern", err)
	}
	if len(files) == 0 {
		if opts.Format == "json" {
			return f.Success(&harness.SuiteResult{Runs: []harness.ScenarioRun{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	f.VerboseLog("Running %d scenario(s)", len(files))
	suite, err := harness.RunFiles(files)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: suite}
		if suite.Failed > 0 {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    CodeScenario,
				Message: fmt.Sprintf("%d scenario(s) failed", suite.Failed),
			}
		}
		if err := f.encode(resp); err != nil {
			return err
		}
	} else if err := f.Success(SimulateResult{SuiteResult: suite, quiet: opts.Quiet}); err != nil {
		return err
	}

	if suite.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", suite.Failed))
	}
	return nil
}

// filterScenarios keeps files whose base name, without extension, matches
// the glob pattern. An empty pattern keeps everything.
func filterScenarios(files []string, pattern string) ([]string, error) {
	if pattern == "" {
		return files, nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	var out []string
	for _, file := range files {
		base := filepath.Base(file)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		if ok, _ := filepath.Match(pattern, name); ok {
			out = append(out, file)
		}
	}
	return out, nil
}
