package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// tempPattern names owned artifacts.
const tempPattern = "mfgtest-report-*.json"

// Artifact is a handle to the run's result document.
type Artifact struct {
	path string

	mu       sync.Mutex
	owned    bool
	released bool
}

// NewTemp creates an empty owned artifact in dir (os.TempDir if empty).
// The file exists from creation so collaborators can write to it.
func NewTemp(dir string) (*Artifact, error) {
	f, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create report file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("create report file: %w", err)
	}
	return &Artifact{path: f.Name(), owned: true}, nil
}

// External wraps a caller-managed path. It is never deleted.
func External(path string) *Artifact {
	return &Artifact{path: path}
}

// Path returns the artifact location.
func (a *Artifact) Path() string {
	return a.path
}

// Owned reports whether Release deletes the file.
func (a *Artifact) Owned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owned
}

// Keep disowns the artifact so Release leaves it on disk.
func (a *Artifact) Keep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owned = false
}

// Release deletes an owned artifact. It reports whether a file was removed.
// Calling Release more than once, or on an external artifact, is a no-op.
func (a *Artifact) Release() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.owned || a.released {
		return false, nil
	}
	a.released = true
	if err := os.Remove(a.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove report file: %w", err)
	}
	return true, nil
}

// Load reads the artifact into a JSON payload.
//
// A file that does not exist, or is empty, is ArtifactMissing: an owned
// artifact starts out empty and stays that way if nothing reported. Files
// named .yaml or .yml must hold one YAML document; any other file must be
// JSON. Content that fails to parse is MalformedArtifact.
func (a *Artifact) Load() (json.RawMessage, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Code: ErrCodeArtifactMissing, Path: a.path}
		}
		return nil, &Error{Code: ErrCodeArtifactMissing, Path: a.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &Error{Code: ErrCodeArtifactMissing, Path: a.path, Err: errors.New("file is empty")}
	}

	payload, err := Decode(data, isYAMLPath(a.path))
	if err != nil {
		return nil, &Error{Code: ErrCodeMalformedArtifact, Path: a.path, Err: err}
	}
	return payload, nil
}

// Decode turns document bytes into a JSON payload. JSON input is returned
// unchanged apart from surrounding whitespace; it is never reinterpreted as
// YAML. With asYAML set the input is parsed as YAML and re-encoded. Either way
// the top level must be an object or array.
func Decode(data []byte, asYAML bool) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if asYAML {
		return yamlToJSON(trimmed)
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("not valid JSON")
	}
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, errors.New("top level must be an object or array")
	}
	return json.RawMessage(trimmed), nil
}

func yamlToJSON(data []byte) (json.RawMessage, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no document")
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("expected a single document")
	}

	switch doc.(type) {
	case map[string]any, map[any]any, []any:
	default:
		return nil, fmt.Errorf("top level must be a mapping or sequence, got %T", doc)
	}

	normalized, err := jsonCompatible(doc)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

// jsonCompatible rewrites YAML-only shapes (non-string map keys) into
// values encoding/json accepts.
func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("unsupported number %v", t)
		}
		return t, nil
	default:
		return t, nil
	}
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
