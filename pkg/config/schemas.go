package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const (
	// SchemaConfig validates configuration documents.
	SchemaConfig = "config"

	// SchemaManifest validates resource manifests.
	SchemaManifest = "manifest"
)

// schemaFilePrefix marks positions that belong to a registered schema.
const schemaFilePrefix = "schema/"

// SchemaRegistry manages CUE schemas for validation. Each schema source
// declares one definition named after the schema, e.g. #Manifest.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a failure here is a programming error.
	if err := sr.RegisterSchema(SchemaConfig, "#Config", builtinConfigSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaManifest, "#Manifest", builtinManifestSchema); err != nil {
		panic(err)
	}

	return sr
}

// Context returns the CUE context schemas were compiled in. Values unified
// with a registered schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles schema and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(schemaFilePrefix+name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Durations accept Go duration strings ("10s") or integer nanoseconds.
const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | int & >=0

#Config: {
	data_dir?:         string
	asset_dir?:        string
	platform_version?: string

	database?: {
		path?: string
	}

	cache?: {
		dir?:         string
		in_memory?:   bool
		gc_interval?: #Duration
	}

	upgrade?: {
		start_over_threshold?: #Duration
		always_start_over?:    bool
		newest_build?:         bool
		progress_interval?:    #Duration
		progress_buffer?:      int & >=1
		installed_apps?: [...string]
	}

	retry?: {
		max_attempts?: int & >=1
		base_delay?:   #Duration
		max_delay?:    #Duration
	}

	resolver?: {
		timeout?:          #Duration
		max_payload_size?: int & >0
		user_agent?:       string
	}

	policy?: {
		enabled?: bool
		dir?:     string
		watch?:   bool
	}

	sftp?: {
		user?:                     string
		private_key_path?:         string
		known_hosts_path?:         string
		strict_host_key_checking?: bool
		connection_timeout?:       #Duration
		proxy_host?:               string
		proxy_user?:               string
	}

	telemetry?: {
		log_level?:        "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:       "console" | "json"
		metrics_address?:  string
		tracing_enabled?:  bool
		tracing_exporter?: "otlp" | "stdout" | "none"
		tracing_endpoint?: string
		sampling_rate?:    number & >=0 & <=1
	}
}
`

const builtinManifestSchema = `
#ID: string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"

#Kind: "profile" | "suite" | "form" | "media" | "other"

#Requirements: {
	code: string & !=""
	min?: string
	max?: string
}

#Child: {
	id:         #ID
	version:    int & >=0
	kind?:      #Kind
	references: [string, ...string]
}

#Manifest: {
	id:              #ID
	version:         int & >=0
	kind?:           #Kind
	app_id?:         string
	auth_reference?: string
	requirements?:   #Requirements
	resources?: [...#Child]

	// Payload specific content is opaque to the upgrade engine.
	content?: _
}
`
