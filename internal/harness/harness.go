package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/registry/memregistry"
	"github.com/roach88/mfgtest/internal/report"
	"github.com/roach88/mfgtest/internal/resolve"
	"github.com/roach88/mfgtest/internal/session"
	"github.com/roach88/mfgtest/internal/store"
	"github.com/roach88/mfgtest/internal/testutil"
)

// Error codes used in step events for errors without their own code.
const (
	codeDisabled        = "DISABLED"
	codeAlreadyFinished = "ALREADY_FINISHED"
	codeOther           = "ERROR"
)

// Harness executes one scenario.
type Harness struct {
	registry *memregistry.Registry
	journal  *store.Store
	session  *session.Session
	clock    *testutil.StepClock
	logger   *slog.Logger
	seen     int
}

// Run executes a scenario in isolation and returns its result.
//
// Each run gets a fresh registry seeded from the fixture, a fresh
// in-memory journal and a temporary artifact directory.
//
// Execution flow:
// 1. Seed the registry and open the journal
// 2. Start a session with a fixed run id and step clock
// 3. Execute flow steps, checking expect clauses
// 4. Finish the session if the flow did not
// 5. Evaluate assertions against registry calls and journal rows
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with session and resolver logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
	}
	defer st.Close()

	dir, err := os.MkdirTemp("", "mfgtest-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		registry: seed(scenario.Registry),
		journal:  st,
		clock:    testutil.NewStepClock(),
		logger:   logger,
	}

	opts := []session.Option{
		session.WithEnabled(scenario.IsEnabled()),
		session.WithTempDir(dir),
		session.WithSentinel(scenario.Sentinel),
		session.WithRunIDGenerator(testutil.NewFixedRunIDGenerator(scenario.RunID)),
		session.WithClock(h.clock.Now),
		session.WithLogger(logger),
	}
	if scenario.Schema != "" {
		schema, err := report.CompileSchema([]byte(scenario.Schema), scenario.Name+".cue")
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema: %w", err)
		}
		opts = append(opts, session.WithSchema(schema))
	}

	h.session, err = session.New(h.registry, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	h.session.OnComplete(st.Recorder(logger, nil))

	rc := h.session.Context()
	if err := st.BeginRun(ctx, rc.RunID, rc.StartedAt, rc.Enabled, scenario.Name); err != nil {
		return nil, err
	}

	result := NewResult()
	result.RunID = rc.RunID
	finished := false
	for i, step := range scenario.Flow {
		switch step.Kind() {
		case StepResolve:
			err = h.executeResolve(ctx, i, step, result)
		case StepReport:
			err = h.executeReport(i, step, result)
		case StepFinish:
			err = h.executeFinish(ctx, i, step, result)
			finished = true
		}
		if err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
	}
	if !finished {
		if err := h.executeFinish(ctx, len(scenario.Flow), FlowStep{Finish: &FinishStep{}}, result); err != nil {
			return nil, fmt.Errorf("finish: %w", err)
		}
	}

	actx := &AssertionContext{
		Calls: h.registry.Calls(),
		Store: st,
		Ctx:   ctx,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// seed builds the registry described by f.
func seed(f Fixture) *memregistry.Registry {
	reg := memregistry.New()
	for _, p := range f.Products {
		reg.AddProduct(registry.Product{
			ID:                 p.ID,
			Name:               p.Name,
			UsesSerial:         p.UsesSerial,
			UsesMAC:            p.UsesMAC,
			SerialNumberPrefix: p.SerialNumberPrefix,
		})
	}
	for _, u := range f.Units {
		reg.AddUnit(registry.Unit{ID: u.ID, ProductID: u.ProductID, SerialNumber: u.SerialNumber})
	}
	if f.NextUnitID != 0 {
		reg.SetNextUnitID(f.NextUnitID)
	}
	for productID, n := range f.NextSerial {
		reg.SetNextSerial(productID, n)
	}
	for _, fail := range f.Failures {
		if fail.Status == 0 {
			reg.FailOn(fail.Op, nil)
			continue
		}
		reg.FailOn(fail.Op, &registry.Error{
			Code:       registry.ErrCodeUnavailable,
			Op:         fail.Op,
			StatusCode: fail.Status,
			Body:       fail.Body,
		})
	}
	return reg
}

func (h *Harness) executeResolve(ctx context.Context, i int, step FlowStep, result *Result) error {
	rs := step.Resolve
	res, err := h.session.Resolve(ctx, rs.Product, rs.Serial)
	h.drainCalls(result)

	if !errors.Is(err, session.ErrDisabled) && !errors.Is(err, session.ErrAlreadyFinished) {
		runID := h.session.RunID()
		if jerr := h.journal.RecordResolution(ctx, runID, rs.Product, rs.Serial, res, err, h.clock.Now()); jerr != nil {
			return jerr
		}
	}

	ev := TraceEvent{
		Type:    EventStep,
		Op:      StepResolve,
		Name:    rs.Product,
		Serial:  res.SerialNumber,
		UnitID:  res.UnitID,
		Outcome: string(res.Outcome),
		Error:   errorCode(err),
	}
	result.AddEvent(ev)

	if e := step.Expect; e != nil {
		check(result, i, "error", e.Error, ev.Error, true)
		check(result, i, "outcome", e.Outcome, ev.Outcome, false)
		check(result, i, "serial_number", e.SerialNumber, ev.Serial, false)
		if e.UnitID != 0 && e.UnitID != ev.UnitID {
			result.AddError(fmt.Sprintf("flow[%d]: expected unit_id %d, got %d", i, e.UnitID, ev.UnitID))
		}
	}
	return nil
}

func (h *Harness) executeReport(i int, step FlowStep, result *Result) error {
	path := h.session.Artifact().Path()
	if err := os.WriteFile(path, []byte(step.Report.Content), 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	h.drainCalls(result)
	result.AddEvent(TraceEvent{Type: EventStep, Op: StepReport})
	return nil
}

func (h *Harness) executeFinish(ctx context.Context, i int, step FlowStep, result *Result) error {
	summary, err := h.session.Finish(ctx)
	if err != nil {
		return err
	}
	h.drainCalls(result)
	result.Summary = summary

	ev := TraceEvent{
		Type:   EventStep,
		Op:     StepFinish,
		UnitID: summary.UnitID,
		Serial: summary.SerialNumber,
		State:  string(summary.State),
		Upload: string(summary.Upload.Status),
	}
	result.AddEvent(ev)

	if e := step.Expect; e != nil {
		check(result, i, "state", e.State, ev.State, false)
		check(result, i, "upload", e.Upload, ev.Upload, false)
		if e.UnitID != 0 && e.UnitID != ev.UnitID {
			result.AddError(fmt.Sprintf("flow[%d]: expected unit_id %d, got %d", i, e.UnitID, ev.UnitID))
		}
	}
	return nil
}

// drainCalls appends registry calls made since the last drain.
func (h *Harness) drainCalls(result *Result) {
	calls := h.registry.Calls()
	for _, c := range calls[h.seen:] {
		result.AddEvent(TraceEvent{
			Type:      EventCall,
			Op:        c.Op,
			Name:      c.Name,
			ProductID: c.ProductID,
			Serial:    c.Serial,
			UnitID:    c.UnitID,
		})
	}
	h.seen = len(calls)
}

// check compares an expected field. An empty want is skipped unless
// exact is set, in which case it asserts the field is empty.
func check(result *Result, i int, field, want, got string, exact bool) {
	if want == "" && !exact {
		return
	}
	if want != got {
		if got == "" {
			got = "none"
		}
		if want == "" {
			want = "none"
		}
		result.AddError(fmt.Sprintf("flow[%d]: expected %s %s, got %s", i, field, want, got))
	}
}

// errorCode maps a resolve error to the code used in traces.
func errorCode(err error) string {
	var re *resolve.Error
	var ge *registry.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return string(re.Code)
	case errors.As(err, &ge):
		return string(ge.Code)
	case errors.Is(err, session.ErrDisabled):
		return codeDisabled
	case errors.Is(err, session.ErrAlreadyFinished):
		return codeAlreadyFinished
	}
	return codeOther
}
