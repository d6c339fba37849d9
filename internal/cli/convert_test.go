package cli

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert_MatchesCollectorReport(t *testing.T) {
	want, err := os.ReadFile("../gotest/testdata/golden/mixed.golden")
	require.NoError(t, err)

	res := executeHere(t, "convert", "--exit-code", "1", "../gotest/testdata/mixed.jsonl")
	require.NoError(t, res.err)
	assert.Equal(t, string(want), res.stdout)
}

func TestConvert_Stdin(t *testing.T) {
	events := strings.Join([]string{
		`{"Time":"2024-01-02T03:04:05Z","Action":"run","Package":"hw/fan","Test":"TestSpin"}`,
		`{"Time":"2024-01-02T03:04:06Z","Action":"pass","Package":"hw/fan","Test":"TestSpin","Elapsed":1}`,
		`{"Time":"2024-01-02T03:04:06Z","Action":"pass","Package":"hw/fan","Elapsed":1}`,
	}, "\n")

	res := executeWithInput(t, events, "convert")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"passed": 1`)
	assert.Contains(t, res.stdout, `"nodeid": "hw/fan/TestSpin"`)
}

func TestConvert_MissingFile(t *testing.T) {
	res := execute(t, "convert", "absent.jsonl")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
}
