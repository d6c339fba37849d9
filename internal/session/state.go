package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/roach88/mfgtest/internal/resolve"
)

// State is the run's position in the session state machine.
type State string

const (
	// StateAwaitingResolution is the initial state: no unit is known yet.
	StateAwaitingResolution State = "awaiting_resolution"

	// StateResolved means a unit id was recorded for the run.
	StateResolved State = "resolved"

	// StateUnresolved means the run reached finish without a unit id.
	StateUnresolved State = "unresolved"

	// StateFinished is terminal.
	StateFinished State = "finished"
)

// UploadStatus is the outcome of the finish-time upload.
type UploadStatus string

const (
	UploadSucceeded         UploadStatus = "succeeded"
	UploadFailed            UploadStatus = "failed"
	UploadSkippedDisabled   UploadStatus = "skipped_disabled"
	UploadSkippedUnresolved UploadStatus = "skipped_unresolved"
	UploadSkippedMissing    UploadStatus = "skipped_missing_artifact"
	UploadSkippedMalformed  UploadStatus = "skipped_malformed_artifact"
)

// Attempted reports whether an upload request was sent.
func (s UploadStatus) Attempted() bool {
	return s == UploadSucceeded || s == UploadFailed
}

// Upload describes the finish-time upload.
type Upload struct {
	Status UploadStatus `json:"status"`

	// StatusCode is the registry's HTTP status, if a response arrived.
	StatusCode int `json:"status_code,omitempty"`

	// Error is the failure or skip reason.
	Error string `json:"error,omitempty"`

	// Response is the registry acknowledgement body, when it was JSON.
	Response json.RawMessage `json:"response,omitempty"`
}

// Summary is the result of finishing a session.
type Summary struct {
	RunID   string `json:"run_id"`
	Enabled bool   `json:"enabled"`

	// State is resolved or unresolved: the state the run finished from.
	State State `json:"state"`

	Product      string          `json:"product,omitempty"`
	ProductID    int64           `json:"product_id,omitempty"`
	UnitID       int64           `json:"unit_id,omitempty"`
	SerialNumber string          `json:"serial_number,omitempty"`
	Outcome      resolve.Outcome `json:"outcome,omitempty"`

	// ResolveError is the last failed resolution, if the run never resolved.
	ResolveError string `json:"resolve_error,omitempty"`

	Upload Upload `json:"upload"`

	ArtifactPath     string `json:"artifact_path"`
	ArtifactReleased bool   `json:"artifact_released"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunContext is a snapshot of the session's per-run state.
type RunContext struct {
	RunID        string
	Enabled      bool
	State        State
	ProductID    int64
	UnitID       int64
	SerialNumber string
	ArtifactPath string
	StartedAt    time.Time
}

// Resolved reports whether a unit id is set.
func (rc RunContext) Resolved() bool {
	return rc.UnitID != 0
}

var (
	// ErrDisabled is returned by Resolve when registry integration is off.
	ErrDisabled = errors.New("registry integration disabled")

	// ErrAlreadyFinished is returned when a finished session is used again.
	ErrAlreadyFinished = errors.New("session already finished")
)
