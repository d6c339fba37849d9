// Package report handles the result artifact a test run produces.
//
// An Artifact is either owned (a temporary file created for the run and
// deleted when released) or external (a caller-managed path that is never
// deleted). Load reads the artifact into an opaque JSON payload. JSON files
// are forwarded byte for byte; YAML files are converted to JSON. The payload
// can optionally be checked against a CUE definition before upload.
package report
