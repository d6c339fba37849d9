package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/registry"
)

// UnitResult is the unit show output.
type UnitResult struct {
	registry.Unit
}

// WriteText renders the unit as key/value lines.
func (r UnitResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Unit ID: %d\nProduct ID: %d\nSerial Number: %s\n", r.ID, r.ProductID, r.SerialNumber)
	return err
}

// NewUnitCommand creates the unit command group.
func NewUnitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Inspect registry units",
	}

	show := &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid unit id %q", args[0]))
			}
			client, err := rootOpts.registryClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid registry configuration", err)
			}
			u, err := client.GetUnit(cmd.Context(), id)
			if err != nil {
				return f.Fail(ExitFailure, fmt.Sprintf("failed to get unit %d", id), err)
			}
			return f.Success(UnitResult{Unit: u})
		},
	}
	cmd.AddCommand(show)
	return cmd
}
