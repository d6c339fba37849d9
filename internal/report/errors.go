package report

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes artifact errors.
type ErrorCode string

const (
	// ErrCodeArtifactMissing indicates the artifact was never written.
	ErrCodeArtifactMissing ErrorCode = "ARTIFACT_MISSING"

	// ErrCodeMalformedArtifact indicates the artifact exists but is not a
	// valid structured document, or does not satisfy the report schema.
	ErrCodeMalformedArtifact ErrorCode = "MALFORMED_ARTIFACT"
)

// Error is a failure to load or validate an artifact.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Path is the artifact location.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Path)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsMissing reports whether err is an ArtifactMissing error.
func IsMissing(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeArtifactMissing
	}
	return false
}

// IsMalformed reports whether err is a MalformedArtifact error.
func IsMalformed(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeMalformedArtifact
	}
	return false
}
