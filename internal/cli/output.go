package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/report"
	"github.com/roach88/mfgtest/internal/resolve"
	"github.com/roach88/mfgtest/internal/store"
)

// Exit codes for CLI commands. The run command exits with the test
// command's own status instead.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Registry failure, failed scenarios, failed validation
	ExitCommandError = 2 // Command error (bad flags, unreadable files, no journal)
)

// Error codes carried in JSON error responses.
const (
	CodeCommand  = "E_COMMAND"
	CodeScenario = "E_SCENARIO_FAILED"
	CodeInvalid  = "E_INVALID"
)

// ExitError represents an error with a specific exit code.
// An empty Message with a nil Err exits silently.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// errorCode maps a domain error to the code reported in JSON output.
func errorCode(err error) string {
	var (
		ge *registry.Error
		re *resolve.Error
		ae *report.Error
	)
	switch {
	case errors.As(err, &re):
		return string(re.Code)
	case errors.As(err, &ge):
		return string(ge.Code)
	case errors.As(err, &ae):
		return string(ae.Code)
	case errors.Is(err, store.ErrRunNotFound):
		return "RUN_NOT_FOUND"
	}
	return CodeCommand
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
	RunID  string    `json:"run_id,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// textWriter is implemented by results with a custom text rendering.
type textWriter interface {
	WriteText(w io.Writer) error
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	if tw, ok := data.(textWriter); ok {
		return tw.WriteText(f.Writer)
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns an ExitError with code, so callers can
// `return f.Fail(...)`. In text mode the message is left to the caller's
// error path to avoid printing it twice.
func (f *OutputFormatter) Fail(code int, message string, err error) error {
	if f.Format == "json" {
		text := message
		if err != nil {
			text = fmt.Sprintf("%s: %v", message, err)
		}
		if encErr := f.Error(errorCode(err), text, nil); encErr != nil {
			return encErr
		}
	}
	return WrapExitError(code, message, err)
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
