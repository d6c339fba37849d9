package harness

import "github.com/roach88/mfgtest/internal/session"

// Trace event types.
const (
	EventCall = "call"
	EventStep = "step"
)

// TraceEvent is one registry call or one completed flow step.
// Calls made while a step runs precede that step's event.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Op is the registry operation for calls and the step kind for steps.
	Op string `json:"op"`

	Name      string `json:"name,omitempty"`
	ProductID int64  `json:"product_id,omitempty"`
	Serial    string `json:"serial,omitempty"`
	UnitID    int64  `json:"unit_id,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	State   string `json:"state,omitempty"`
	Upload  string `json:"upload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	RunID string `json:"run_id"`

	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation and assertion failures. Empty if Pass.
	Errors []string `json:"errors,omitempty"`

	// Summary is what the session reported at finish.
	Summary session.Summary `json:"summary"`
}

// NewResult creates a passing result with no events.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends ev with the next sequence number.
func (r *Result) AddEvent(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
