package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/session"
	"github.com/roach88/mfgtest/internal/testutil"
)

func widgetScenario(flow ...FlowStep) *Scenario {
	return &Scenario{
		Name:        "inline",
		Description: "inline scenario",
		RunID:       "run-inline",
		Registry: Fixture{
			Products:   []ProductFixture{{ID: 7, Name: "Widget", SerialNumberPrefix: "WID-"}},
			Units:      []UnitFixture{{ID: 55, ProductID: 7, SerialNumber: "ABC123"}},
			NextUnitID: 42,
		},
		Flow: flow,
		Assertions: []Assertion{
			{Type: AssertCallCount, Op: registry.OpCreateProduct, Count: 0},
		},
	}
}

func resolveStep(product, serial string) FlowStep {
	return FlowStep{Resolve: &ResolveStep{Product: product, Serial: serial}}
}

func reportStep(content string) FlowStep {
	return FlowStep{Report: &ReportStep{Content: content}}
}

func TestRun_ImplicitFinish(t *testing.T) {
	result, err := Run(widgetScenario(
		resolveStep("Widget", "ABC123"),
		reportStep(`{"passed": 1}`),
	))
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, EventStep, last.Type)
	assert.Equal(t, StepFinish, last.Op)
	assert.Equal(t, "succeeded", last.Upload)

	assert.Equal(t, "run-inline", result.Summary.RunID)
	assert.Equal(t, int64(55), result.Summary.UnitID)
	assert.True(t, result.Summary.ArtifactReleased)
	assert.True(t, result.Summary.StartedAt.Equal(testutil.Epoch))
}

func TestRun_BlankSerialAllocates(t *testing.T) {
	step := resolveStep("Widget", "  ")
	step.Expect = &ExpectClause{Outcome: "allocated", UnitID: 42, SerialNumber: "WID-0001"}

	result, err := Run(widgetScenario(step))
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_ExpectMismatchFailsResult(t *testing.T) {
	step := resolveStep("Widget", "ABC123")
	step.Expect = &ExpectClause{Outcome: "created", UnitID: 99}

	result, err := Run(widgetScenario(step))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "flow[0]: expected outcome created, got existing")
	assert.Contains(t, result.Errors, "flow[0]: expected unit_id 99, got 55")
}

func TestRun_UnexpectedErrorFailsResult(t *testing.T) {
	step := resolveStep("Gadget", "ABC123")
	step.Expect = &ExpectClause{Outcome: "existing"}

	result, err := Run(widgetScenario(step))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "flow[0]: expected error none, got PRODUCT_NOT_FOUND")
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	step := resolveStep("Widget", "ABC123")
	step.Expect = &ExpectClause{Error: "REGISTRY_UNAVAILABLE"}

	result, err := Run(widgetScenario(step))
	require.NoError(t, err)
	assert.Contains(t, result.Errors, "flow[0]: expected error REGISTRY_UNAVAILABLE, got none")
}

func TestRun_AssertionFailureFailsResult(t *testing.T) {
	s := widgetScenario(resolveStep("Widget", "ABC123"))
	s.Assertions = []Assertion{{Type: AssertCallCount, Op: registry.OpUploadResult, Count: 1}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: call_count")
	assert.Contains(t, result.Errors[0], "1 calls to upload_result")
}

func TestRun_InvalidSchema(t *testing.T) {
	s := widgetScenario(resolveStep("Widget", "ABC123"))
	s.Schema = "#Report: {"

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile schema")
}

func TestRun_SentinelOverride(t *testing.T) {
	s := widgetScenario(resolveStep("Widget", "FFFF"))
	s.Sentinel = "FFFF"
	s.Flow[0].Expect = &ExpectClause{Outcome: "allocated"}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_JournalRecordsEveryAttempt(t *testing.T) {
	s := widgetScenario(
		resolveStep("Gadget", "ABC123"),
		resolveStep("Widget", "ABC123"),
	)
	s.Assertions = []Assertion{
		{
			Type:   AssertFinalState,
			Table:  "resolutions",
			Where:  map[string]any{"product": "Gadget"},
			Expect: map[string]any{"unit_id": nil, "outcome": ""},
		},
		{
			Type:   AssertFinalState,
			Table:  "resolutions",
			Where:  map[string]any{"product": "Widget"},
			Expect: map[string]any{"unit_id": 55, "outcome": "existing"},
		},
		{
			Type:   AssertFinalState,
			Table:  "runs",
			Where:  map[string]any{"run_id": "run-inline"},
			Expect: map[string]any{"command": "inline", "state": string(session.StateResolved)},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", errorCode(nil))
	assert.Equal(t, "REGISTRY_UNAVAILABLE", errorCode(registry.Unavailable("find_products", nil)))
	assert.Equal(t, "DISABLED", errorCode(session.ErrDisabled))
	assert.Equal(t, "ALREADY_FINISHED", errorCode(session.ErrAlreadyFinished))
	assert.Equal(t, "ERROR", errorCode(assert.AnError))
}
