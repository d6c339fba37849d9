package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// DefinitionName is the CUE definition a schema file must declare.
const DefinitionName = "#Report"

// Schema checks payloads against a CUE #Report definition.
type Schema struct {
	def    cue.Value
	source string
}

// LoadSchema compiles the CUE file at path.
func LoadSchema(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return CompileSchema(src, path)
}

// CompileSchema compiles CUE source that declares DefinitionName.
// filename is used in error positions.
func CompileSchema(src []byte, filename string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema %s: %s", filename, details(err))
	}
	def := v.LookupPath(cue.ParsePath(DefinitionName))
	if !def.Exists() {
		return nil, fmt.Errorf("schema %s: %s not defined", filename, DefinitionName)
	}
	return &Schema{def: def, source: filename}, nil
}

// Source returns the file the schema was compiled from.
func (s *Schema) Source() string {
	return s.source
}

// Validate reports whether payload satisfies the definition. The payload
// must unify with #Report and be fully concrete.
func (s *Schema) Validate(payload json.RawMessage) error {
	data := s.def.Context().CompileBytes(payload, cue.Filename("report.json"))
	if err := data.Err(); err != nil {
		return fmt.Errorf("decode payload: %s", details(err))
	}
	if err := s.def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return errors.New(details(err))
	}
	return nil
}

// LoadValidated loads the artifact and checks it against s.
// A schema mismatch is MalformedArtifact.
func (a *Artifact) LoadValidated(s *Schema) (json.RawMessage, error) {
	payload, err := a.Load()
	if err != nil || s == nil {
		return payload, err
	}
	if err := s.Validate(payload); err != nil {
		return nil, &Error{Code: ErrCodeMalformedArtifact, Path: a.path, Err: fmt.Errorf("schema %s: %w", s.source, err)}
	}
	return payload, nil
}

func details(err error) string {
	return strings.TrimSpace(cueerrors.Details(err, nil))
}
