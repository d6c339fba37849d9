package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/resolve"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Product string
	Serial  string
}

// ResolveResult is the resolve command's structured output.
type ResolveResult struct {
	Product string `json:"product"`
	resolve.Resolution
}

// WriteText renders the resolution as key/value lines.
func (r ResolveResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Product: %s (ID %d)\nUnit ID: %d\nSerial Number: %s\nOutcome: %s\n",
		r.Product, r.ProductID, r.UnitID, r.SerialNumber, r.Outcome)
	return err
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a device serial to a registry unit",
		Long: `Resolve a product name and observed serial to a registry unit without
running a test.

A blank serial or the sentinel allocates a new serial. A serial the
registry already knows is reused; an unknown serial creates a new unit.

Examples:
  mfgtest resolve --product Widget --serial ABC123
  mfgtest resolve --product Widget --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Product, "product", "", "registry product name (required)")
	_ = cmd.MarkFlagRequired("product")
	cmd.Flags().StringVar(&opts.Serial, "serial", "", "observed serial number (blank allocates)")

	return cmd
}

func runResolve(opts *ResolveOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	client, err := opts.registryClient()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid registry configuration", err)
	}
	resolver := resolve.New(client,
		resolve.WithSentinel(opts.Config.Serial.Sentinel),
		resolve.WithLogger(opts.logger()),
		resolve.WithTracer(opts.tracer()),
	)

	res, err := resolver.Resolve(cmd.Context(), opts.Product, opts.Serial)
	if err != nil {
		return f.Fail(ExitFailure, "failed to resolve unit", err)
	}
	return f.Success(ResolveResult{Product: opts.Product, Resolution: res})
}
