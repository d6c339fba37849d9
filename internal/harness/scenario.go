package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mfgtest/internal/registry"
)

// Scenario is one workflow test: a registry fixture, a flow of session
// steps and assertions over the resulting calls and journal rows.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// RunID is the fixed run id. Defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`

	// Enabled turns registry integration on. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Sentinel overrides the "not yet programmed" serial.
	Sentinel string `yaml:"sentinel,omitempty"`

	// Schema is CUE source defining #Report. When set the artifact is
	// validated before upload.
	Schema string `yaml:"schema,omitempty"`

	Registry Fixture `yaml:"registry"`

	Flow []FlowStep `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// IsEnabled reports whether registry integration is on for the scenario.
func (s *Scenario) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Fixture seeds the in-memory registry.
type Fixture struct {
	Products   []ProductFixture `yaml:"products"`
	Units      []UnitFixture    `yaml:"units,omitempty"`
	NextUnitID int64            `yaml:"next_unit_id,omitempty"`
	NextSerial map[int64]int    `yaml:"next_serial,omitempty"`
	Failures   []FailureFixture `yaml:"failures,omitempty"`
}

type ProductFixture struct {
	ID                 int64  `yaml:"id"`
	Name               string `yaml:"name"`
	UsesSerial         bool   `yaml:"uses_serial"`
	UsesMAC            bool   `yaml:"uses_mac"`
	SerialNumberPrefix string `yaml:"serial_number_prefix"`
}

type UnitFixture struct {
	ID           int64  `yaml:"id"`
	ProductID    int64  `yaml:"product_id"`
	SerialNumber string `yaml:"serial_number"`
}

// FailureFixture makes every call to Op fail. With a zero Status the
// failure is a transport error; otherwise the registry answers Status.
type FailureFixture struct {
	Op     string `yaml:"op"`
	Status int    `yaml:"status,omitempty"`
	Body   string `yaml:"body,omitempty"`
}

// FlowStep is exactly one of resolve, report or finish.
type FlowStep struct {
	Resolve *ResolveStep `yaml:"resolve,omitempty"`
	Report  *ReportStep  `yaml:"report,omitempty"`
	Finish  *FinishStep  `yaml:"finish,omitempty"`

	// Expect validates the step's outcome. If nil, nothing is checked.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Kind returns the step name.
func (f FlowStep) Kind() string {
	switch {
	case f.Resolve != nil:
		return StepResolve
	case f.Report != nil:
		return StepReport
	case f.Finish != nil:
		return StepFinish
	}
	return ""
}

// Step kinds.
const (
	StepResolve = "resolve"
	StepReport  = "report"
	StepFinish  = "finish"
)

type ResolveStep struct {
	Product string `yaml:"product"`
	Serial  string `yaml:"serial"`
}

// ReportStep writes Content to the run's artifact, as a test command would.
type ReportStep struct {
	Content string `yaml:"content"`
}

type FinishStep struct{}

// ExpectClause lists expected step results. Only set fields are checked.
type ExpectClause struct {
	// Resolve results.
	Outcome      string `yaml:"outcome,omitempty"`
	UnitID       int64  `yaml:"unit_id,omitempty"`
	SerialNumber string `yaml:"serial_number,omitempty"`

	// Error is the expected error code, e.g. PRODUCT_NOT_FOUND.
	Error string `yaml:"error,omitempty"`

	// Finish results.
	State  string `yaml:"state,omitempty"`
	Upload string `yaml:"upload,omitempty"`
}

// Assertion validates the registry calls or the journal.
type Assertion struct {
	// Type is one of call_contains, call_order, call_count, final_state.
	Type string `yaml:"type"`

	// Op is the registry operation (call_contains, call_count).
	Op string `yaml:"op,omitempty"`

	// Args are matched against call fields (call_contains). Subset match.
	Args map[string]any `yaml:"args,omitempty"`

	// Count is the exact number of calls (call_count).
	Count int `yaml:"count,omitempty"`

	// Ops is the expected first-call order (call_order).
	Ops []string `yaml:"ops,omitempty"`

	// Table is runs or resolutions (final_state).
	Table string `yaml:"table,omitempty"`

	// Where filters journal rows (final_state). All fields must match.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect lists expected column values (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertCallContains = "call_contains"
	AssertCallOrder    = "call_order"
	AssertCallCount    = "call_count"
	AssertFinalState   = "final_state"
)

var knownOps = map[string]bool{
	registry.OpFindProducts:       true,
	registry.OpCreateProduct:      true,
	registry.OpAllocateNextSerial: true,
	registry.OpFindUnitBySerial:   true,
	registry.OpCreateUnit:         true,
	registry.OpCreateSerialNumber: true,
	registry.OpCreateMACAddress:   true,
	registry.OpGetUnit:            true,
	registry.OpUploadResult:       true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, p := range s.Registry.Products {
		if p.Name == "" {
			return fmt.Errorf("registry.products[%d]: name is required", i)
		}
	}
	for i, u := range s.Registry.Units {
		if u.SerialNumber == "" {
			return fmt.Errorf("registry.units[%d]: serial_number is required", i)
		}
	}
	for i, f := range s.Registry.Failures {
		if !knownOps[f.Op] {
			return fmt.Errorf("registry.failures[%d]: unknown op %q", i, f.Op)
		}
		if f.Status != 0 && (f.Status < 100 || f.Status > 599) {
			return fmt.Errorf("registry.failures[%d]: invalid status %d", i, f.Status)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step, len(s.Flow)); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step FlowStep, total int) error {
	set := 0
	for _, present := range []bool{step.Resolve != nil, step.Report != nil, step.Finish != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of resolve, report or finish is required", i)
	}

	switch step.Kind() {
	case StepResolve:
		if step.Resolve.Product == "" {
			return fmt.Errorf("flow[%d].resolve: product is required", i)
		}
		if e := step.Expect; e != nil && (e.State != "" || e.Upload != "") {
			return fmt.Errorf("flow[%d].expect: state and upload apply to finish steps", i)
		}
	case StepReport:
		if step.Expect != nil {
			return fmt.Errorf("flow[%d]: report steps take no expect clause", i)
		}
	case StepFinish:
		if i != total-1 {
			return fmt.Errorf("flow[%d]: finish must be the last step", i)
		}
		if e := step.Expect; e != nil && (e.Outcome != "" || e.SerialNumber != "" || e.Error != "") {
			return fmt.Errorf("flow[%d].expect: outcome, serial_number and error apply to resolve steps", i)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCallContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for call_contains", index)
		}
	case AssertCallOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for call_order", index)
		}
	case AssertCallCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for call_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for call_count", index)
		}
	case AssertFinalState:
		if !journalTables[a.Table] {
			return fmt.Errorf("assertions[%d]: table must be runs or resolutions for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
