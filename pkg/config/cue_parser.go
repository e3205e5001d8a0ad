package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser evaluates CUE configuration files against the config schema.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser backed by registry.
func NewCUEParser(registry *SchemaRegistry) *CUEParser {
	if registry == nil {
		registry = NewSchemaRegistry()
	}
	return &CUEParser{schemaRegistry: registry}
}

// ParseFile evaluates a .cue file, or a directory loaded as a CUE package,
// and returns the concrete configuration as JSON.
func (cp *CUEParser) ParseFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var (
		val  cue.Value
		errs ValidationErrors
	)
	if info.IsDir() {
		val, errs = cp.loadDirectory(path)
	} else {
		val, errs = cp.loadFile(path)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return cp.export(val)
}

// ParseInline evaluates inline CUE content.
func (cp *CUEParser) ParseInline(content string) ([]byte, error) {
	val := cp.schemaRegistry.Context().CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.export(val)
}

// export unifies val with the config schema and renders it as JSON.
func (cp *CUEParser) export(val cue.Value) ([]byte, error) {
	unified, err := cp.schemaRegistry.Unify(SchemaConfig, val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export config: %w", err)
	}
	return data, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, ValidationErrors) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, ValidationErrors{{
			File:    dir,
			Message: "no CUE files found",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := cp.schemaRegistry.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, ValidationErrors{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := cp.schemaRegistry.Context().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{Message: fmt.Sprintf(format, args...)}

		if pos := errors.Positions(e); len(pos) > 0 {
			// Prefer the user's source over the schema the value was unified with.
			p := pos[0]
			for _, candidate := range pos {
				if !strings.HasPrefix(candidate.Filename(), schemaFilePrefix) {
					p = candidate
					break
				}
			}
			ve.File = p.Filename()
			ve.Line = p.Line()
			ve.Column = p.Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}

		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}
