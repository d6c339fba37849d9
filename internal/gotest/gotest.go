// Package gotest turns a `go test -json` event stream into a report document.
//
// It is the bundled test-reporting collaborator: a station that runs Go
// tests pipes their test2json output through a Collector and uploads the
// resulting Report. The document shape follows the JSON test reports the
// registry already stores, with a summary block and one entry per test.
package gotest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"time"
)

// Test2json actions.
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
	ActionBench  = "bench"
)

// Outcomes recorded in the report.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeUnknown = "unknown"
)

// Event is one test2json record.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// Report is the structured result document.
type Report struct {
	Created  string            `json:"created,omitempty"`
	Duration float64           `json:"duration"`
	ExitCode int               `json:"exitcode"`
	Summary  Summary           `json:"summary"`
	Packages []PackageResult   `json:"packages"`
	Tests    []TestResult      `json:"tests"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Summary counts test outcomes.
type Summary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// PackageResult is the outcome of one package.
type PackageResult struct {
	Name     string  `json:"name"`
	Outcome  string  `json:"outcome"`
	Duration float64 `json:"duration"`
	Output   string  `json:"output,omitempty"`
}

// TestResult is the outcome of one test or subtest.
type TestResult struct {
	NodeID   string  `json:"nodeid"`
	Package  string  `json:"package"`
	Name     string  `json:"name"`
	Outcome  string  `json:"outcome"`
	Duration float64 `json:"duration"`
	Output   string  `json:"output,omitempty"`
}

type testKey struct {
	pkg  string
	name string
}

// Collector accumulates events. The zero value is ready to use.
type Collector struct {
	first, last time.Time

	packages  map[string]*PackageResult
	pkgOrder  []string
	tests     map[testKey]*TestResult
	testOrder []testKey
	metadata  map[string]string
}

// Add folds one event into the collector.
func (c *Collector) Add(e Event) {
	if !e.Time.IsZero() {
		if c.first.IsZero() || e.Time.Before(c.first) {
			c.first = e.Time
		}
		if e.Time.After(c.last) {
			c.last = e.Time
		}
	}
	if e.Package == "" {
		return
	}
	if e.Test == "" {
		c.addPackageEvent(e)
		return
	}
	c.addTestEvent(e)
}

func (c *Collector) addPackageEvent(e Event) {
	p := c.pkg(e.Package)
	switch e.Action {
	case ActionOutput:
		p.Output += e.Output
	case ActionPass:
		p.Outcome = OutcomePassed
		p.Duration = e.Elapsed
	case ActionFail:
		p.Outcome = OutcomeFailed
		p.Duration = e.Elapsed
	case ActionSkip:
		p.Outcome = OutcomeSkipped
		p.Duration = e.Elapsed
	}
}

func (c *Collector) addTestEvent(e Event) {
	c.pkg(e.Package)
	k := testKey{pkg: e.Package, name: e.Test}
	if c.tests == nil {
		c.tests = make(map[testKey]*TestResult)
	}
	t, ok := c.tests[k]
	if !ok {
		t = &TestResult{
			NodeID:  e.Package + "/" + e.Test,
			Package: e.Package,
			Name:    e.Test,
			Outcome: OutcomeUnknown,
		}
		c.tests[k] = t
		c.testOrder = append(c.testOrder, k)
	}
	switch e.Action {
	case ActionOutput:
		t.Output += e.Output
	case ActionPass:
		t.Outcome = OutcomePassed
		t.Duration = e.Elapsed
	case ActionFail:
		t.Outcome = OutcomeFailed
		t.Duration = e.Elapsed
	case ActionSkip:
		t.Outcome = OutcomeSkipped
		t.Duration = e.Elapsed
	}
}

func (c *Collector) pkg(name string) *PackageResult {
	if c.packages == nil {
		c.packages = make(map[string]*PackageResult)
	}
	p, ok := c.packages[name]
	if !ok {
		p = &PackageResult{Name: name, Outcome: OutcomeUnknown}
		c.packages[name] = p
		c.pkgOrder = append(c.pkgOrder, name)
	}
	return p
}

// SetMetadata attaches a key/value pair to the report.
func (c *Collector) SetMetadata(key, value string) {
	if c.metadata == nil {
		c.metadata = make(map[string]string)
	}
	c.metadata[key] = value
}

// Consume reads a test2json stream from r. Each event's output text is
// written to echo when echo is non-nil. Lines that are not events (build
// errors, plain prints) are echoed as-is and skipped. Consume returns when r
// is exhausted.
func (c *Collector) Consume(r io.Reader, echo io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var e Event
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if line[0] != '{' || json.Unmarshal(line, &e) != nil || e.Action == "" {
			if echo != nil {
				_, _ = echo.Write(line)
				_, _ = io.WriteString(echo, "\n")
			}
			continue
		}
		if echo != nil && e.Action == ActionOutput {
			_, _ = io.WriteString(echo, e.Output)
		}
		c.Add(e)
	}
	return sc.Err()
}

// Report builds the document. exitCode is the test command's exit status.
func (c *Collector) Report(exitCode int) Report {
	r := Report{
		ExitCode: exitCode,
		Packages: make([]PackageResult, 0, len(c.pkgOrder)),
		Tests:    make([]TestResult, 0, len(c.testOrder)),
	}
	if !c.first.IsZero() {
		r.Created = c.first.UTC().Format(time.RFC3339Nano)
		r.Duration = round(c.last.Sub(c.first).Seconds())
	}
	for _, name := range c.pkgOrder {
		r.Packages = append(r.Packages, *c.packages[name])
	}
	for _, k := range c.testOrder {
		t := *c.tests[k]
		r.Tests = append(r.Tests, t)
		switch t.Outcome {
		case OutcomePassed:
			r.Summary.Passed++
		case OutcomeFailed:
			r.Summary.Failed++
		case OutcomeSkipped:
			r.Summary.Skipped++
		}
		r.Summary.Total++
	}
	if len(c.metadata) > 0 {
		r.Metadata = make(map[string]string, len(c.metadata))
		for k, v := range c.metadata {
			r.Metadata[k] = v
		}
	}
	return r
}

// Encode writes the report as indented JSON without HTML escaping.
func Encode(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Convert reads a whole test2json stream and returns its report.
func Convert(r io.Reader, exitCode int) (Report, error) {
	var c Collector
	if err := c.Consume(r, nil); err != nil {
		return Report{}, err
	}
	return c.Report(exitCode), nil
}

// round trims float noise from durations to microseconds.
func round(sec float64) float64 {
	return float64(int64(sec*1e6+0.5)) / 1e6
}
