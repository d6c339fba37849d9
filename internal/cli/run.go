package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/gotest"
	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/report"
	"github.com/roach88/mfgtest/internal/session"
	"github.com/roach88/mfgtest/internal/store"
)

// Environment variables set for the test command.
const (
	EnvReportFile   = "MFGTEST_REPORT_FILE"
	EnvRunID        = "MFGTEST_RUN_ID"
	EnvUnitID       = "MFGTEST_UNIT_ID"
	EnvSerialNumber = "MFGTEST_SERIAL_NUMBER"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Product      string
	Serial       string
	SerialCmd    string
	Report       string
	KeepReport   bool
	ReportSchema string
	GoTestJSON   bool
}

// RunResult is the run command's structured output.
type RunResult struct {
	Summary  session.Summary `json:"summary"`
	ExitCode int             `json:"exit_code"`
}

// WriteText renders the result as one line.
func (r RunResult) WriteText(w io.Writer) error {
	s := r.Summary
	var unit string
	switch {
	case !s.Enabled:
		unit = "registry disabled"
	case s.UnitID != 0:
		unit = fmt.Sprintf("unit %d (%s, %s)", s.UnitID, s.SerialNumber, s.Outcome)
	default:
		unit = "unresolved"
	}
	_, err := fmt.Fprintf(w, "Run %s: %s, upload %s, exit code %d\n", s.RunID, unit, s.Upload.Status, r.ExitCode)
	return err
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a test command and upload its report to the unit",
		Long: `Run a test command attributed to a registry unit.

With registry integration enabled, the device serial (from --serial or the
output of --serial-cmd) is resolved to a unit of --product before the test
command starts. A blank serial or the sentinel allocates a new serial.

The test command sees these environment variables:
  MFGTEST_REPORT_FILE    where to write the JSON report (YAML when --report names a .yaml file)
  MFGTEST_RUN_ID         the run id
  MFGTEST_UNIT_ID        the resolved unit id, when known
  MFGTEST_SERIAL_NUMBER  the resolved serial number, when known

With --go-test-json the command's stdout is read as a go test -json stream
and converted into the report.

When the command exits, the report is uploaded to the unit once. The run
summary is written to stderr. mfgtest exits with the test command's status;
registry problems never change it.

Examples:
  mfgtest run --use-registry --product Widget --serial-cmd "read-serial" -- ./station-test
  mfgtest run --use-registry --product Widget --go-test-json -- go test -json ./hwtest/...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestCommand(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Product, "product", "", "registry product name of the device under test")
	cmd.Flags().StringVar(&opts.Serial, "serial", "", "observed serial number of the device")
	cmd.Flags().StringVar(&opts.SerialCmd, "serial-cmd", "", "shell command that prints the observed serial number")
	cmd.Flags().StringVar(&opts.Report, "report", "", "externally managed report path (default: a temporary file)")
	cmd.Flags().BoolVar(&opts.KeepReport, "keep-report", false, "keep the temporary report file after the run")
	cmd.Flags().StringVar(&opts.ReportSchema, "report-schema", "", "CUE file defining #Report to validate the report against")
	cmd.Flags().BoolVar(&opts.GoTestJSON, "go-test-json", false, "convert the command's go test -json output into the report")
	cmd.MarkFlagsMutuallyExclusive("serial", "serial-cmd")

	return cmd
}

func runTestCommand(opts *RunOptions, args []string, cmd *cobra.Command) error {
	cfg := opts.Config
	log := opts.logger()

	var schema *report.Schema
	if opts.ReportSchema != "" {
		s, err := report.LoadSchema(opts.ReportSchema)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load report schema", err)
		}
		schema = s
	}

	var client registry.Client
	if cfg.Registry.Enabled {
		if opts.Product == "" {
			return NewExitError(ExitCommandError, "--product is required when registry integration is enabled")
		}
		c, err := opts.registryClient()
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid registry configuration", err)
		}
		client = c
	}

	sessOpts := []session.Option{
		session.WithEnabled(cfg.Registry.Enabled),
		session.WithKeepArtifact(opts.KeepReport),
		session.WithSentinel(cfg.Serial.Sentinel),
		session.WithDiagnostics(cmd.ErrOrStderr()),
		session.WithLogger(log),
		session.WithTracer(opts.tracer()),
	}
	if schema != nil {
		sessOpts = append(sessOpts, session.WithSchema(schema))
	}
	if opts.Report != "" {
		sessOpts = append(sessOpts, session.WithArtifact(report.External(opts.Report)))
	}
	if opts.RunIDs != nil {
		sessOpts = append(sessOpts, session.WithRunIDGenerator(opts.RunIDs))
	}
	sess, err := session.New(client, sessOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start session", err)
	}

	journal, err := opts.openJournal()
	if err != nil {
		// The owned report file was already created; release it.
		_, _ = sess.Finish(context.WithoutCancel(cmd.Context()))
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	if journal != nil {
		defer journal.Close()
	}

	// Stop the test command on interrupt; the session still finishes.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, stopping test command", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var exitCode *int
	if journal != nil {
		rc := sess.Context()
		if err := journal.BeginRun(ctx, rc.RunID, rc.StartedAt, rc.Enabled, strings.Join(args, " ")); err != nil {
			log.Error("failed to record run in journal", "run_id", rc.RunID, "error", err)
		}
		sess.OnComplete(journal.Recorder(log, func() *int { return exitCode }))
	}

	summary, err := session.Run(ctx, sess, func(ctx context.Context) error {
		if sess.Enabled() {
			opts.resolveUnit(ctx, sess, journal, cmd.ErrOrStderr())
		}
		code, err := opts.execTest(ctx, cmd, sess, args)
		if err != nil {
			return err
		}
		exitCode = &code
		return nil
	})
	if err != nil {
		return err
	}

	result := RunResult{Summary: summary, ExitCode: *exitCode}
	f := opts.formatter(cmd)
	f.Writer = cmd.ErrOrStderr()
	if err := f.Success(result); err != nil {
		return err
	}
	if result.ExitCode != ExitSuccess {
		return &ExitError{Code: result.ExitCode}
	}
	return nil
}

// resolveUnit reads the observed serial and resolves it. Failures leave
// the run unresolved; they are logged, journaled and otherwise ignored.
func (opts *RunOptions) resolveUnit(ctx context.Context, sess *session.Session, journal *store.Store, diag io.Writer) {
	log := opts.logger()

	observed, err := opts.observeSerial(ctx)
	if err != nil {
		log.Warn("failed to read serial number", "error", err)
		fmt.Fprintf(diag, "Could not read serial number: %v\n", err)
		return
	}

	res, err := sess.Resolve(ctx, opts.Product, observed)
	if journal == nil {
		return
	}
	if jerr := journal.RecordResolution(ctx, sess.RunID(), opts.Product, observed, res, err, time.Now()); jerr != nil {
		log.Error("failed to record resolution in journal", "run_id", sess.RunID(), "error", jerr)
	}
}

// observeSerial returns --serial, or the trimmed output of --serial-cmd.
func (opts *RunOptions) observeSerial(ctx context.Context) (string, error) {
	if opts.SerialCmd == "" {
		return opts.Serial, nil
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", opts.SerialCmd).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("serial command: %w: %s", err, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("serial command: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// execTest runs the test command and returns its exit status. The error is
// non-nil only when the command could not be run at all.
func (opts *RunOptions) execTest(ctx context.Context, cmd *cobra.Command, sess *session.Session, args []string) (int, error) {
	rc := sess.Context()
	log := opts.logger()

	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Env = append(os.Environ(), testEnv(rc)...)
	c.Stdin = cmd.InOrStdin()
	c.Stderr = cmd.ErrOrStderr()

	var (
		collector *gotest.Collector
		stdout    io.ReadCloser
		err       error
	)
	if opts.GoTestJSON {
		collector = &gotest.Collector{}
		collector.SetMetadata("run_id", rc.RunID)
		if rc.Resolved() {
			collector.SetMetadata("unit_id", strconv.FormatInt(rc.UnitID, 10))
			collector.SetMetadata("serial_number", rc.SerialNumber)
		}
		if stdout, err = c.StdoutPipe(); err != nil {
			return 0, WrapExitError(ExitCommandError, "failed to capture test output", err)
		}
	} else {
		c.Stdout = cmd.OutOrStdout()
	}

	log.Debug("starting test command", "command", args, "report", rc.ArtifactPath)
	if err := c.Start(); err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to start test command", err)
	}
	if collector != nil {
		if err := collector.Consume(stdout, cmd.OutOrStdout()); err != nil {
			log.Warn("failed to read test output, passing the rest through", "error", err)
			// The pipe must be drained or the command blocks and Wait never returns.
			if _, err := io.Copy(cmd.OutOrStdout(), stdout); err != nil {
				log.Warn("failed to drain test output", "error", err)
			}
		}
	}

	code := ExitSuccess
	if err := c.Wait(); err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return 0, WrapExitError(ExitCommandError, "test command failed to run", err)
		}
		code = ee.ExitCode()
		if code < 0 {
			// Killed by a signal.
			code = ExitFailure
		}
	}
	log.Debug("test command exited", "exit_code", code)

	if collector != nil {
		if err := writeGoTestReport(rc.ArtifactPath, collector.Report(code)); err != nil {
			log.Error("failed to write test report", "path", rc.ArtifactPath, "error", err)
		}
	}
	return code, nil
}

// testEnv returns the variables describing the run to the test command.
func testEnv(rc session.RunContext) []string {
	env := []string{
		EnvReportFile + "=" + rc.ArtifactPath,
		EnvRunID + "=" + rc.RunID,
	}
	if rc.Resolved() {
		env = append(env,
			EnvUnitID+"="+strconv.FormatInt(rc.UnitID, 10),
			EnvSerialNumber+"="+rc.SerialNumber,
		)
	}
	return env
}

func writeGoTestReport(path string, r gotest.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gotest.Encode(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
