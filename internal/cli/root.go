package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/mfgtest/internal/config"
	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/session"
	"github.com/roach88/mfgtest/internal/store"
	"github.com/roach88/mfgtest/internal/tracing"
)

// RootOptions holds global flags for all commands and the state derived
// from them before a command runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	// Resolved by the root command's PersistentPreRunE.
	Config     config.Config
	ConfigUsed string
	Logger     *slog.Logger
	Tracing    *tracing.Provider

	// RunIDs overrides the run id generator (for testing).
	// If nil, sessions use UUIDv7.
	RunIDs session.RunIDGenerator

	// HomeDir overrides the user config lookup (for testing).
	HomeDir string
}

// Version is reported by --version. Set by main from build information.
var Version = "dev"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the mfgtest CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around opts, so
// callers can inspect the resolved configuration after Execute.
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mfgtest",
		Short: "Manufacturing test registry client",
		Long: `mfgtest attributes hardware test runs to registry units.

It resolves the device under test to a unit in the manufacturing registry,
runs the test command, and uploads the resulting report to that unit.
Registry problems are reported but never change a test run's exit status.

Configuration is read from --config, ./.mfgtest.yaml or
~/.config/mfgtest/config.yaml, then MFGTEST_* environment variables,
then flags.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.setup(cmd)
		},
	}

	d := config.Defaults()
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default: ./.mfgtest.yaml or ~/.config/mfgtest/config.yaml)")
	cmd.PersistentFlags().Bool("use-registry", d.Registry.Enabled, "enable registry integration for test runs")
	cmd.PersistentFlags().String("registry-url", d.Registry.URL, "registry base URL")
	cmd.PersistentFlags().Duration("timeout", d.Registry.Timeout, "timeout for each registry request")
	cmd.PersistentFlags().String("journal", d.Journal.Path, "path to the run journal database (empty disables it)")
	cmd.PersistentFlags().String("sentinel", d.Serial.Sentinel, "serial number meaning \"not yet programmed\"")
	cmd.PersistentFlags().String("log-format", d.Log.Format, "log format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewUploadCommand(opts))
	cmd.AddCommand(NewProductsCommand(opts))
	cmd.AddCommand(NewUnitCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewConvertCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := NewRootCommandWithOptions(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	opts.shutdown()
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Message != "" || exitErr.Err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return GetExitCode(err)
}

// setup loads configuration and builds the logger and tracer provider.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	cfg, used, err := config.Load(config.LoadOptions{
		ConfigFile: o.ConfigFile,
		Flags:      cmd.Flags(),
		HomeDir:    o.HomeDir,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg
	o.ConfigUsed = used

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log level", err)
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(cmd.ErrOrStderr(), handlerOpts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), handlerOpts)
	}
	o.Logger = slog.New(handler)
	if used != "" {
		o.Logger.Debug("loaded config", "path", used)
	}

	provider, err := tracing.NewProvider(cmd.Context(), cfg.Tracing)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start tracing", err)
	}
	o.Tracing = provider
	return nil
}

// shutdown flushes pending spans.
func (o *RootOptions) shutdown() {
	if o.Tracing == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Tracing.Shutdown(ctx); err != nil {
		o.logger().Warn("failed to flush traces", "error", err)
	}
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

func (o *RootOptions) tracer() trace.Tracer {
	if o.Tracing == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return o.Tracing.Tracer()
}

// formatter returns an output formatter for cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// registryClient builds the HTTP client from the registry config.
func (o *RootOptions) registryClient() (*registry.HTTPClient, error) {
	return registry.NewHTTPClient(o.Config.Registry.URL,
		registry.WithTimeout(o.Config.Registry.Timeout),
		registry.WithTracer(o.tracer()),
		registry.WithLogger(o.logger()),
	)
}

// openJournal opens the configured journal. It returns nil when no
// journal path is configured.
func (o *RootOptions) openJournal() (*store.Store, error) {
	path := o.Config.Journal.Path
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return store.Open(path)
}

// requireJournal is openJournal for commands that cannot work without one.
func (o *RootOptions) requireJournal() (*store.Store, error) {
	if o.Config.Journal.Path == "" {
		return nil, NewExitError(ExitCommandError, "no journal configured: set journal.path or pass --journal")
	}
	st, err := o.openJournal()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
