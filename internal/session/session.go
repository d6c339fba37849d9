package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/report"
	"github.com/roach88/mfgtest/internal/resolve"
)

const tracerName = "github.com/roach88/mfgtest/internal/session"

// RunIDGenerator produces run ids.
// Implemented by UUIDv7Generator (production) and fixed generators in tests.
type RunIDGenerator interface {
	Generate() string
}

// Finalizer is called once after Finish has uploaded and cleaned up.
type Finalizer func(ctx context.Context, s Summary)

// Session is the controller for one test run. All methods are safe for
// concurrent use, but a run is expected to drive it sequentially.
type Session struct {
	enabled  bool
	client   registry.Client
	resolver *resolve.Resolver
	schema   *report.Schema
	artifact *report.Artifact

	runID string
	now   func() time.Time
	diag  io.Writer
	log   *slog.Logger
	trace trace.Tracer

	mu           sync.Mutex
	state        State
	product      string
	resolution   resolve.Resolution
	resolveErr   error
	finalizers   []Finalizer
	startedAt    time.Time
	finishCalled bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	enabled     bool
	artifact    *report.Artifact
	tempDir     string
	keep        bool
	schema      *report.Schema
	sentinel    string
	diagnostics io.Writer
	logger      *slog.Logger
	runIDs      RunIDGenerator
	clock       func() time.Time
	tracer      trace.Tracer
}

// WithEnabled turns registry integration on or off. Default off.
func WithEnabled(enabled bool) Option {
	return func(o *options) { o.enabled = enabled }
}

// WithArtifact uses an externally managed artifact. Without it the session
// creates an owned temporary file and deletes it at finish.
func WithArtifact(a *report.Artifact) Option {
	return func(o *options) { o.artifact = a }
}

// WithTempDir sets where the owned artifact is created.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithKeepArtifact keeps an owned artifact on disk after finish.
func WithKeepArtifact(keep bool) Option {
	return func(o *options) { o.keep = keep }
}

// WithSchema validates the artifact before upload.
func WithSchema(s *report.Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithSentinel overrides the "not yet programmed" serial.
func WithSentinel(s string) Option {
	return func(o *options) { o.sentinel = s }
}

// WithDiagnostics sets where operator-facing lines are written.
func WithDiagnostics(w io.Writer) Option {
	return func(o *options) { o.diagnostics = w }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRunIDGenerator replaces the UUIDv7 run id generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(o *options) { o.runIDs = g }
}

// WithClock replaces time.Now for Summary timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithTracer sets the tracer for session and resolve spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// New starts a session. client may be nil when the session is disabled.
func New(client registry.Client, opts ...Option) (*Session, error) {
	o := options{
		diagnostics: io.Discard,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		runIDs:      UUIDv7Generator{},
		clock:       time.Now,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.enabled && client == nil {
		return nil, errors.New("registry client required when integration is enabled")
	}

	artifact := o.artifact
	if artifact == nil {
		a, err := report.NewTemp(o.tempDir)
		if err != nil {
			return nil, err
		}
		artifact = a
		if o.keep {
			artifact.Keep()
		}
	}

	s := &Session{
		enabled:  o.enabled,
		client:   client,
		schema:   o.schema,
		artifact: artifact,
		runID:    o.runIDs.Generate(),
		now:      o.clock,
		diag:     o.diagnostics,
		trace:    o.tracer,
		state:    StateAwaitingResolution,
	}
	s.log = o.logger.With("run_id", s.runID)
	if o.enabled {
		s.resolver = resolve.New(client,
			resolve.WithSentinel(o.sentinel),
			resolve.WithLogger(s.log),
			resolve.WithTracer(o.tracer),
		)
	}
	s.startedAt = s.now()

	s.log.Debug("session started", "enabled", s.enabled, "artifact", artifact.Path(), "owned", artifact.Owned())
	return s, nil
}

// RunID returns the run id.
func (s *Session) RunID() string {
	return s.runID
}

// Enabled reports whether registry integration is on.
func (s *Session) Enabled() bool {
	return s.enabled
}

// Artifact returns the run's result artifact handle.
func (s *Session) Artifact() *report.Artifact {
	return s.artifact
}

// Context returns a snapshot of the run state.
func (s *Session) Context() RunContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RunContext{
		RunID:        s.runID,
		Enabled:      s.enabled,
		State:        s.state,
		ProductID:    s.resolution.ProductID,
		UnitID:       s.resolution.UnitID,
		SerialNumber: s.resolution.SerialNumber,
		ArtifactPath: s.artifact.Path(),
		StartedAt:    s.startedAt,
	}
}

// OnComplete registers fn to run after Finish. Finalizers run in
// registration order. Registering after Finish has started is a no-op.
func (s *Session) OnComplete(fn Finalizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishCalled || fn == nil {
		return
	}
	s.finalizers = append(s.finalizers, fn)
}

// Resolve resolves product and the observed serial and records the unit as
// the run's unit if none is recorded yet.
//
// A failure leaves the run unresolved and is returned to the caller; the run
// itself continues. A later success after the run is resolved is returned
// but not recorded.
func (s *Session) Resolve(ctx context.Context, product, observed string) (resolve.Resolution, error) {
	if !s.enabled {
		return resolve.Resolution{}, ErrDisabled
	}
	s.mu.Lock()
	if s.finishCalled {
		s.mu.Unlock()
		return resolve.Resolution{}, ErrAlreadyFinished
	}
	s.mu.Unlock()

	res, err := s.resolver.Resolve(ctx, product, observed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.state != StateResolved {
			s.resolveErr = err
		}
		s.log.Warn("unit resolution failed", "product", product, "error", err)
		return resolve.Resolution{}, err
	}
	if s.state == StateResolved {
		s.log.Warn("run already resolved; ignoring later resolution",
			"unit_id", s.resolution.UnitID, "ignored_unit_id", res.UnitID)
		return res, nil
	}
	if s.finishCalled {
		s.log.Warn("resolution completed after finish; ignoring", "unit_id", res.UnitID)
		return res, nil
	}

	s.state = StateResolved
	s.product = product
	s.resolution = res
	s.resolveErr = nil
	s.log.Info("unit resolved",
		"product", product,
		"unit_id", res.UnitID,
		"serial", res.SerialNumber,
		"outcome", string(res.Outcome),
	)
	return res, nil
}

// Finish ends the run: it uploads the artifact at most once, releases an
// owned artifact on every path and runs the finalizers.
//
// The returned error is ErrAlreadyFinished on a second call and nil
// otherwise; upload failures are reported in the Summary.
func (s *Session) Finish(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.finishCalled {
		s.mu.Unlock()
		return Summary{}, ErrAlreadyFinished
	}
	s.finishCalled = true
	if s.state == StateAwaitingResolution {
		s.state = StateUnresolved
	}
	summary := Summary{
		RunID:        s.runID,
		Enabled:      s.enabled,
		State:        s.state,
		Product:      s.product,
		ProductID:    s.resolution.ProductID,
		UnitID:       s.resolution.UnitID,
		SerialNumber: s.resolution.SerialNumber,
		Outcome:      s.resolution.Outcome,
		ArtifactPath: s.artifact.Path(),
		StartedAt:    s.startedAt,
	}
	if s.resolveErr != nil {
		summary.ResolveError = s.resolveErr.Error()
	}
	finalizers := s.finalizers
	s.mu.Unlock()

	ctx, span := s.trace.Start(ctx, "session.finish", trace.WithAttributes(
		attribute.String("run.id", s.runID),
		attribute.Bool("registry.enabled", s.enabled),
		attribute.String("run.state", string(summary.State)),
	))

	summary.Upload = s.upload(ctx, summary.State, summary.UnitID)
	span.SetAttributes(attribute.String("upload.status", string(summary.Upload.Status)))
	if summary.Upload.Status == UploadFailed {
		span.SetStatus(codes.Error, summary.Upload.Error)
	}

	released, err := s.artifact.Release()
	if err != nil {
		s.log.Warn("failed to delete report file", "path", s.artifact.Path(), "error", err)
		s.diagf("Failed to delete temporary report file: %v", err)
	}
	if released {
		s.diagf("Temporary report file deleted.")
	}
	summary.ArtifactReleased = released
	summary.FinishedAt = s.now()

	s.mu.Lock()
	s.state = StateFinished
	s.mu.Unlock()
	span.End()

	s.log.Info("session finished",
		"state", string(summary.State),
		"unit_id", summary.UnitID,
		"upload", string(summary.Upload.Status),
	)
	for _, fn := range finalizers {
		s.runFinalizer(ctx, fn, summary)
	}
	return summary, nil
}

// upload performs the single upload attempt and writes its diagnostics.
func (s *Session) upload(ctx context.Context, state State, unitID int64) Upload {
	if !s.enabled {
		return Upload{Status: UploadSkippedDisabled}
	}
	if state != StateResolved {
		s.diagf("No unit ID was set.")
		return Upload{Status: UploadSkippedUnresolved, Error: "no unit id was set"}
	}
	s.diagf("Unit ID: %d", unitID)

	payload, err := s.artifact.LoadValidated(s.schema)
	switch {
	case report.IsMissing(err):
		s.diagf("Report file not found. Skipping upload.")
		s.log.Warn("report file missing", "path", s.artifact.Path(), "error", err)
		return Upload{Status: UploadSkippedMissing, Error: err.Error()}
	case err != nil:
		s.diagf("Report file is malformed. Skipping upload: %v", err)
		s.log.Warn("report file malformed", "path", s.artifact.Path(), "error", err)
		return Upload{Status: UploadSkippedMalformed, Error: err.Error()}
	}

	ack, err := s.client.UploadResult(ctx, unitID, payload)
	if err != nil {
		up := Upload{Status: UploadFailed, Error: err.Error()}
		var re *registry.Error
		if errors.As(err, &re) && re.StatusCode != 0 {
			up.StatusCode = re.StatusCode
			s.diagf("Failed to upload report for Unit ID %d. Status Code: %d", unitID, re.StatusCode)
			s.diagf("Response: %s", re.Body)
		} else {
			s.diagf("Failed to upload report for Unit ID %d: %v", unitID, err)
		}
		s.log.Error("upload failed", "unit_id", unitID, "error", err)
		return up
	}

	s.diagf("Logged test_result for Unit ID %d.", unitID)
	return Upload{Status: UploadSucceeded, StatusCode: ack.StatusCode, Response: ack.Body}
}

func (s *Session) runFinalizer(ctx context.Context, fn Finalizer, summary Summary) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("finalizer panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx, summary)
}

func (s *Session) diagf(format string, args ...any) {
	fmt.Fprintf(s.diag, format+"\n", args...)
}
