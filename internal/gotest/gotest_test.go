package gotest

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert_Golden(t *testing.T) {
	f, err := os.Open("testdata/mixed.jsonl")
	require.NoError(t, err)
	defer f.Close()

	report, err := Convert(f, 1)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, report))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "mixed", buf.Bytes())
}

func TestConsume_EchoesOutput(t *testing.T) {
	stream := strings.Join([]string{
		`# example.com/pkg`,
		`{"Action":"output","Package":"example.com/pkg","Test":"TestA","Output":"=== RUN   TestA\n"}`,
		`{"Action":"pass","Package":"example.com/pkg","Test":"TestA","Elapsed":0.01}`,
		`not json at all`,
		``,
		`{"Action":"output","Package":"example.com/pkg","Output":"ok  \texample.com/pkg\t0.01s\n"}`,
	}, "\n")

	var c Collector
	var echo bytes.Buffer
	require.NoError(t, c.Consume(strings.NewReader(stream), &echo))

	assert.Equal(t, "# example.com/pkg\n=== RUN   TestA\nnot json at all\nok  \texample.com/pkg\t0.01s\n", echo.String())

	r := c.Report(0)
	assert.Equal(t, Summary{Passed: 1, Total: 1}, r.Summary)
	assert.Empty(t, r.Created, "no timestamps in the stream")
}

func TestReport_UnfinishedTestIsUnknown(t *testing.T) {
	var c Collector
	c.Add(Event{Action: ActionRun, Package: "p", Test: "TestHang"})

	r := c.Report(2)
	require.Len(t, r.Tests, 1)
	assert.Equal(t, OutcomeUnknown, r.Tests[0].Outcome)
	assert.Equal(t, Summary{Total: 1}, r.Summary)
	assert.Equal(t, OutcomeUnknown, r.Packages[0].Outcome)
	assert.Equal(t, 2, r.ExitCode)
}

func TestReport_SameTestNameInTwoPackages(t *testing.T) {
	var c Collector
	c.Add(Event{Action: ActionPass, Package: "a", Test: "TestX"})
	c.Add(Event{Action: ActionFail, Package: "b", Test: "TestX"})

	r := c.Report(1)
	require.Len(t, r.Tests, 2)
	assert.Equal(t, "a/TestX", r.Tests[0].NodeID)
	assert.Equal(t, "b/TestX", r.Tests[1].NodeID)
	assert.Equal(t, Summary{Passed: 1, Failed: 1, Total: 2}, r.Summary)
}

func TestReport_Metadata(t *testing.T) {
	var c Collector
	c.SetMetadata("unit_id", "42")
	c.SetMetadata("serial_number", "WID-0099")

	r := c.Report(0)
	assert.Equal(t, map[string]string{"unit_id": "42", "serial_number": "WID-0099"}, r.Metadata)
	assert.Empty(t, r.Tests)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, r))
	assert.Contains(t, buf.String(), `"tests": []`)
}
