package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/report"
	"github.com/roach88/mfgtest/internal/resolve"
	"github.com/roach88/mfgtest/internal/store"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]int64{"unit_id": 42})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"unit_id": float64(42)}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("REGISTRY_UNAVAILABLE", "failed to resolve unit", map[string]string{"op": "find_products"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "REGISTRY_UNAVAILABLE", resp.Error.Code)
	assert.Equal(t, "failed to resolve unit", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

type textResult struct{ unit int64 }

func (r textResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "unit=%d\n", r.unit)
	return err
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("plain value"))
	require.NoError(t, formatter.Success(textResult{unit: 42}))
	assert.Equal(t, "plain value\nunit=42\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error("E_COMMAND", "no journal configured", "journal.path is empty"))
			assert.Contains(t, buf.String(), "Error [E_COMMAND]: no journal configured")
			if tt.wantDetails {
				assert.Contains(t, buf.String(), "Details: journal.path is empty")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		})
	}
}

func TestOutputFormatter_Fail(t *testing.T) {
	cause := &resolve.Error{Code: resolve.ErrCodeProductNotFound, Product: "Gadget"}

	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		err := formatter.Fail(ExitFailure, "failed to resolve unit", cause)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, cause)

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, "PRODUCT_NOT_FOUND", resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "failed to resolve unit: ")
	})

	t.Run("text writes nothing", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		err := formatter.Fail(ExitCommandError, "report not found", cause)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Empty(t, buf.String())
	})
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("Running %d scenario(s)", 3)

			assert.Empty(t, out.String(), "verbose logs must not corrupt JSON output")
			if tt.wantLog {
				assert.Equal(t, "Running 3 scenario(s)\n", errOut.String())
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")

	err := WrapExitError(ExitCommandError, "failed to open journal", cause)
	assert.Equal(t, "failed to open journal: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, "bad flag", NewExitError(ExitFailure, "bad flag").Error())
	assert.Equal(t, ExitFailure, GetExitCode(cause))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{registry.Unavailable(registry.OpFindProducts, errors.New("refused")), "REGISTRY_UNAVAILABLE"},
		{fmt.Errorf("resolve: %w", &resolve.Error{Code: resolve.ErrCodeProductNotFound}), "PRODUCT_NOT_FOUND"},
		{&report.Error{Code: report.ErrCodeArtifactMissing, Path: "r.json"}, "ARTIFACT_MISSING"},
		{&report.Error{Code: report.ErrCodeMalformedArtifact, Path: "r.json"}, "MALFORMED_ARTIFACT"},
		{fmt.Errorf("%w: run-9", store.ErrRunNotFound), "RUN_NOT_FOUND"},
		{errors.New("other"), CodeCommand},
		{nil, CodeCommand},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), "errorCode(%v)", tt.err)
	}
}
