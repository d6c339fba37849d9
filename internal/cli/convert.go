package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/gotest"
)

// NewConvertCommand creates the convert command.
func NewConvertCommand(rootOpts *RootOptions) *cobra.Command {
	var exitCode int

	cmd := &cobra.Command{
		Use:   "convert [test2json-file]",
		Short: "Convert go test -json output into a report",
		Long: `Convert a go test -json event stream into the report document that
run --go-test-json uploads. Reads the file argument, or stdin when none is
given, and writes the report to stdout.

Examples:
  go test -json ./... | mfgtest convert --exit-code $? > report.json
  mfgtest convert events.jsonl`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				file, err := os.Open(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to open test output", err)
				}
				defer file.Close()
				in = file
			}

			r, err := gotest.Convert(in, exitCode)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read test output", err)
			}
			rootOpts.logger().Debug("converted test output", "tests", r.Summary.Total, "failed", r.Summary.Failed)
			return gotest.Encode(cmd.OutOrStdout(), r)
		},
	}

	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "exit status of the go test command")

	return cmd
}
