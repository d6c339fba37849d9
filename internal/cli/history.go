package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit  int
	UnitID int64
}

// RunList is the history output.
type RunList []store.Run

// WriteText renders the runs as a table, newest first.
func (l RunList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tUNIT\tSERIAL\tSTATE\tUPLOAD\tEXIT")
	for _, r := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID,
			r.StartedAt.Local().Format(time.DateTime),
			dash(optionalInt(r.UnitID)),
			dash(r.SerialNumber),
			r.State,
			dash(r.UploadStatus),
			dash(exitCodeText(r.ExitCode)),
		)
	}
	return tw.Flush()
}

// RunDetail is the history show output.
type RunDetail struct {
	Run         store.Run          `json:"run"`
	Resolutions []store.Resolution `json:"resolutions"`
}

// WriteText renders the run and its resolution attempts.
func (d RunDetail) WriteText(w io.Writer) error {
	r := d.Run
	fmt.Fprintf(w, "Run ID: %s\n", r.RunID)
	fmt.Fprintf(w, "Started: %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.FinishedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", r.FinishedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "Command: %s\n", dash(r.Command))
	registry := "disabled"
	if r.Enabled {
		registry = "enabled"
	}
	fmt.Fprintf(w, "Registry: %s\n", registry)
	fmt.Fprintf(w, "State: %s\n", r.State)
	if r.UnitID != 0 {
		fmt.Fprintf(w, "Unit: %d (%s, %s)\n", r.UnitID, r.SerialNumber, r.Outcome)
	}
	if r.ResolveError != "" {
		fmt.Fprintf(w, "Resolve Error: %s\n", r.ResolveError)
	}
	fmt.Fprintf(w, "Upload: %s\n", dash(r.UploadStatus))
	if r.UploadError != "" {
		fmt.Fprintf(w, "Upload Error: %s\n", r.UploadError)
	}
	fmt.Fprintf(w, "Exit Code: %s\n", dash(exitCodeText(r.ExitCode)))

	if len(d.Resolutions) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nResolutions:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, res := range d.Resolutions {
		result := fmt.Sprintf("unit %d (%s, %s)", res.UnitID, res.SerialNumber, res.Outcome)
		if res.Error != "" {
			result = "error: " + res.Error
		}
		fmt.Fprintf(tw, "  [%d]\t%s\t%q\t%s\n", i+1, res.Product, res.ObservedSerial, result)
	}
	return tw.Flush()
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List runs recorded in the journal",
		Long: `List test runs recorded in the run journal, newest first.

The journal is configured with journal.path or --journal.

Examples:
  mfgtest history --journal ./runs.db
  mfgtest history --limit 5 --unit 42
  mfgtest history show <run-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs to list (0 lists all)")
	cmd.Flags().Int64Var(&opts.UnitID, "unit", 0, "only list runs attributed to this unit")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its resolution attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(rootOpts, cmd, args[0])
		},
	})

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	st, err := opts.requireJournal()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), opts.Limit, opts.UnitID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	return opts.formatter(cmd).Success(RunList(runs))
}

func runHistoryShow(opts *RootOptions, cmd *cobra.Command, runID string) error {
	f := opts.formatter(cmd)
	st, err := opts.requireJournal()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(cmd.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return f.Fail(ExitFailure, "run not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	resolutions, err := st.Resolutions(cmd.Context(), runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read resolutions", err)
	}
	return f.Success(RunDetail{Run: run, Resolutions: resolutions})
}

func optionalInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func exitCodeText(code *int) string {
	if code == nil {
		return ""
	}
	return strconv.Itoa(*code)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
