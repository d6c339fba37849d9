package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/report"
)

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	*RootOptions
	UnitID       int64
	Report       string
	ReportSchema string
}

// UploadResult is the upload command's structured output.
type UploadResult struct {
	UnitID     int64           `json:"unit_id"`
	StatusCode int             `json:"status_code"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// WriteText renders the acknowledgement.
func (r UploadResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Logged test_result for Unit ID %d. Status Code: %d\n", r.UnitID, r.StatusCode)
	return err
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UploadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a report file to a unit",
		Long: `Upload a JSON or YAML report to a registry unit as a test result.

Exit codes:
  0 - Report uploaded
  1 - Report malformed or the registry rejected the upload
  2 - Command error (report file missing, bad flags)

Examples:
  mfgtest upload --unit 42 --report ./report.json
  mfgtest upload --unit 42 --report ./report.yaml --report-schema ./report.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.UnitID, "unit", 0, "registry unit id (required)")
	_ = cmd.MarkFlagRequired("unit")
	cmd.Flags().StringVar(&opts.Report, "report", "", "report file to upload (required)")
	_ = cmd.MarkFlagRequired("report")
	cmd.Flags().StringVar(&opts.ReportSchema, "report-schema", "", "CUE file defining #Report to validate against")

	return cmd
}

func runUpload(opts *UploadOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if opts.UnitID <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid unit id %d", opts.UnitID))
	}

	var schema *report.Schema
	if opts.ReportSchema != "" {
		s, err := report.LoadSchema(opts.ReportSchema)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load report schema", err)
		}
		schema = s
	}

	payload, err := report.External(opts.Report).LoadValidated(schema)
	switch {
	case report.IsMissing(err):
		return f.Fail(ExitCommandError, "report not found", err)
	case err != nil:
		return f.Fail(ExitFailure, "report is malformed", err)
	}

	client, err := opts.registryClient()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid registry configuration", err)
	}
	ack, err := client.UploadResult(cmd.Context(), opts.UnitID, payload)
	if err != nil {
		return f.Fail(ExitFailure, fmt.Sprintf("failed to upload report for Unit ID %d", opts.UnitID), err)
	}
	return f.Success(UploadResult{UnitID: opts.UnitID, StatusCode: ack.StatusCode, Response: ack.Body})
}
