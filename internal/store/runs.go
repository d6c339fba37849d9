package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/mfgtest/internal/resolve"
	"github.com/roach88/mfgtest/internal/session"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Run is one journal row.
type Run struct {
	RunID            string     `json:"run_id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Enabled          bool       `json:"enabled"`
	Command          string     `json:"command,omitempty"`
	Product          string     `json:"product,omitempty"`
	ProductID        int64      `json:"product_id,omitempty"`
	UnitID           int64      `json:"unit_id,omitempty"`
	SerialNumber     string     `json:"serial_number,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
	State            string     `json:"state"`
	ResolveError     string     `json:"resolve_error,omitempty"`
	UploadStatus     string     `json:"upload_status,omitempty"`
	UploadStatusCode int        `json:"upload_status_code,omitempty"`
	UploadError      string     `json:"upload_error,omitempty"`
	ArtifactPath     string     `json:"artifact_path,omitempty"`
	ArtifactReleased bool       `json:"artifact_released"`
	ExitCode         *int       `json:"exit_code,omitempty"`
}

// Resolution is one recorded resolution attempt.
type Resolution struct {
	RunID          string    `json:"run_id"`
	Product        string    `json:"product"`
	ObservedSerial string    `json:"observed_serial"`
	UnitID         int64     `json:"unit_id,omitempty"`
	SerialNumber   string    `json:"serial_number,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Error          string    `json:"error,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// BeginRun inserts the row for a run that just started.
// Uses ON CONFLICT(run_id) DO NOTHING for idempotency.
func (s *Store) BeginRun(ctx context.Context, runID string, startedAt time.Time, enabled bool, command string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, enabled, command, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		runID,
		formatTime(startedAt),
		enabled,
		command,
		string(session.StateAwaitingResolution),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// RecordResolution appends a resolution attempt. A nil resErr records a
// success described by res.
func (s *Store) RecordResolution(ctx context.Context, runID, product, observed string, res resolve.Resolution, resErr error, at time.Time) error {
	var unitID sql.NullInt64
	if res.UnitID != 0 {
		unitID = sql.NullInt64{Int64: res.UnitID, Valid: true}
	}
	errText := ""
	if resErr != nil {
		errText = resErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolutions
		(run_id, product, observed_serial, unit_id, serial_number, outcome, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		product,
		observed,
		unitID,
		res.SerialNumber,
		string(res.Outcome),
		errText,
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	return nil
}

// FinishRun stores the session summary, creating the row if BeginRun was
// never called. exitCode is nil when the test command did not run.
func (s *Store) FinishRun(ctx context.Context, sum session.Summary, exitCode *int) error {
	var productID, unitID, exit sql.NullInt64
	if sum.ProductID != 0 {
		productID = sql.NullInt64{Int64: sum.ProductID, Valid: true}
	}
	if sum.UnitID != 0 {
		unitID = sql.NullInt64{Int64: sum.UnitID, Valid: true}
	}
	if exitCode != nil {
		exit = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, started_at, finished_at, enabled, product, product_id, unit_id, serial_number,
		 outcome, state, resolve_error, upload_status, upload_status_code, upload_error,
		 artifact_path, artifact_released, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			enabled = excluded.enabled,
			product = excluded.product,
			product_id = excluded.product_id,
			unit_id = excluded.unit_id,
			serial_number = excluded.serial_number,
			outcome = excluded.outcome,
			state = excluded.state,
			resolve_error = excluded.resolve_error,
			upload_status = excluded.upload_status,
			upload_status_code = excluded.upload_status_code,
			upload_error = excluded.upload_error,
			artifact_path = excluded.artifact_path,
			artifact_released = excluded.artifact_released,
			exit_code = excluded.exit_code
	`,
		sum.RunID,
		formatTime(sum.StartedAt),
		formatTime(sum.FinishedAt),
		sum.Enabled,
		sum.Product,
		productID,
		unitID,
		sum.SerialNumber,
		string(sum.Outcome),
		string(sum.State),
		sum.ResolveError,
		string(sum.Upload.Status),
		sum.Upload.StatusCode,
		sum.Upload.Error,
		sum.ArtifactPath,
		sum.ArtifactReleased,
		exit,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Recorder returns a session finalizer that writes the summary to the
// journal. exitCode is consulted when the finalizer runs. Journal failures
// are logged, never returned: the journal must not change a run's result.
func (s *Store) Recorder(logger *slog.Logger, exitCode func() *int) session.Finalizer {
	return func(ctx context.Context, sum session.Summary) {
		var code *int
		if exitCode != nil {
			code = exitCode()
		}
		if err := s.FinishRun(ctx, sum, code); err != nil && logger != nil {
			logger.Error("failed to record run in journal", "run_id", sum.RunID, "error", err)
		}
	}
}

const runColumns = `
	run_id, started_at, finished_at, enabled, command, product, product_id, unit_id,
	serial_number, outcome, state, resolve_error, upload_status, upload_status_code,
	upload_error, artifact_path, artifact_released, exit_code`

// GetRun returns the run with id, or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
// A non-zero unitID restricts the list to runs attributed to that unit.
func (s *Store) ListRuns(ctx context.Context, limit int, unitID int64) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if unitID != 0 {
		query += ` WHERE unit_id = ?`
		args = append(args, unitID)
	}
	query += ` ORDER BY started_at DESC, run_id COLLATE BINARY DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Resolutions returns a run's resolution attempts in the order recorded.
func (s *Store) Resolutions(ctx context.Context, runID string) ([]Resolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, product, observed_serial, unit_id, serial_number, outcome, error, recorded_at
		FROM resolutions
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()

	out := []Resolution{}
	for rows.Next() {
		var (
			r          Resolution
			unitID     sql.NullInt64
			recordedAt string
		)
		if err := rows.Scan(&r.RunID, &r.Product, &r.ObservedSerial, &unitID, &r.SerialNumber, &r.Outcome, &r.Error, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.UnitID = unitID.Int64
		if r.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                 Run
		startedAt         string
		finishedAt        sql.NullString
		productID, unitID sql.NullInt64
		exitCode          sql.NullInt64
	)
	err := row.Scan(
		&r.RunID,
		&startedAt,
		&finishedAt,
		&r.Enabled,
		&r.Command,
		&r.Product,
		&productID,
		&unitID,
		&r.SerialNumber,
		&r.Outcome,
		&r.State,
		&r.ResolveError,
		&r.UploadStatus,
		&r.UploadStatusCode,
		&r.UploadError,
		&r.ArtifactPath,
		&r.ArtifactReleased,
		&exitCode,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, err
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return Run{}, err
		}
		r.FinishedAt = &t
	}
	r.ProductID = productID.Int64
	r.UnitID = unitID.Int64
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
