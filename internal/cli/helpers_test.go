package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/registry/memregistry"
	"github.com/roach88/mfgtest/internal/testutil"
)

const testRunID = "run-cli"

type cliResult struct {
	stdout string
	stderr string
	err    error
	opts   *RootOptions
}

// execute runs the root command in an empty working directory with an
// empty home, so no config file on the machine leaks into the test.
func execute(t *testing.T, args ...string) cliResult {
	t.Helper()
	t.Chdir(t.TempDir())
	return executeHere(t, args...)
}

// executeHere is execute in the package directory, for commands taking
// testdata paths that end up in their output.
func executeHere(t *testing.T, args ...string) cliResult {
	t.Helper()
	return runCLI(t, "", args)
}

// executeWithInput is execute with stdin connected to input.
func executeWithInput(t *testing.T, input string, args ...string) cliResult {
	t.Helper()
	t.Chdir(t.TempDir())
	return runCLI(t, input, args)
}

func runCLI(t *testing.T, input string, args []string) cliResult {
	t.Helper()
	opts := &RootOptions{
		HomeDir: t.TempDir(),
		RunIDs:  testutil.NewFixedRunIDGenerator(testRunID),
	}
	cmd := NewRootCommandWithOptions(opts)
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return cliResult{stdout: out.String(), stderr: errOut.String(), err: err, opts: opts}
}

// widgetRegistry serves a registry holding product 7 "Widget" and unit 55
// "ABC123". New units start at id 60; allocated serials at WID-0099.
func widgetRegistry(t *testing.T) *testutil.RegistryServer {
	t.Helper()
	reg := memregistry.New()
	reg.AddProduct(registry.Product{ID: 7, Name: "Widget", UsesSerial: true, SerialNumberPrefix: "WID-"})
	reg.AddUnit(registry.Unit{ID: 55, ProductID: 7, SerialNumber: "ABC123"})
	reg.SetNextUnitID(60)
	reg.SetNextSerial(7, 98)
	return testutil.NewRegistryServer(t, reg)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// absTestdata resolves a path relative to the package directory before
// execute changes the working directory.
func absTestdata(t *testing.T, rel string) string {
	t.Helper()
	path, err := filepath.Abs(rel)
	require.NoError(t, err)
	return path
}
