package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/report"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	ReportSchema string
}

// ReportCheck is the validation result for one report file.
type ReportCheck struct {
	Path  string `json:"path"`
	Valid bool   `json:"valid"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool          `json:"valid"`
	Reports []ReportCheck `json:"reports"`
}

// WriteText renders one line per report.
func (r ValidationResult) WriteText(w io.Writer) error {
	for _, c := range r.Reports {
		if c.Valid {
			fmt.Fprintf(w, "OK      %s\n", c.Path)
			continue
		}
		fmt.Fprintf(w, "INVALID %s [%s]: %s\n", c.Path, c.Code, c.Error)
	}
	if r.Valid {
		_, err := fmt.Fprintln(w, "✓ All reports are valid")
		return err
	}
	return nil
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <report>...",
		Short: "Check report files before upload",
		Long: `Check that report files would be accepted for upload.

Each report must be a single JSON object or array, or a single YAML
document for .yaml and .yml files. With --report-schema, it must also
satisfy the #Report definition in the given CUE file, the same check run
performs before uploading.

Exit codes:
  0 - All reports are valid
  1 - One or more reports are missing or malformed
  2 - Command error (unreadable schema)

Examples:
  mfgtest validate ./report.json
  mfgtest validate --report-schema ./report.cue ./out/*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ReportSchema, "report-schema", "", "CUE file defining #Report")

	return cmd
}

func runValidate(opts *ValidateOptions, paths []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	var schema *report.Schema
	if opts.ReportSchema != "" {
		s, err := report.LoadSchema(opts.ReportSchema)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load report schema", err)
		}
		schema = s
		f.VerboseLog("Loaded schema %s", s.Source())
	}

	result := ValidationResult{Valid: true, Reports: make([]ReportCheck, 0, len(paths))}
	for _, path := range paths {
		check := ReportCheck{Path: path, Valid: true}
		if _, err := report.External(path).LoadValidated(schema); err != nil {
			check.Valid = false
			check.Code = errorCode(err)
			check.Error = err.Error()
			result.Valid = false
		}
		result.Reports = append(result.Reports, check)
	}

	if f.Format == "json" && !result.Valid {
		if err := f.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: CodeInvalid, Message: "one or more reports are invalid"},
		}); err != nil {
			return err
		}
	} else if err := f.Success(result); err != nil {
		return err
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "one or more reports are invalid")
	}
	return nil
}
