package playbook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/taskforge/taskforge/pkg/engine"
)

// SchemaRegistry holds compiled CUE schemas keyed by name. Constraints that
// struct tags cannot express, regex-bound names and bounded retries among
// them, live here.
type SchemaRegistry struct {
	cuectx *cue.Context

	mu     sync.RWMutex
	byName map[string]cue.Value
}

// NewSchemaRegistry returns a registry preloaded with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		cuectx: cuecontext.New(),
		byName: make(map[string]cue.Value),
	}

	for name, src := range map[string]string{
		"playbook": builtinPlaybookSchema,
		"step":     builtinStepSchema,
		"criteria": builtinCriteriaSchema,
		"module":   builtinModuleSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles src and stores it under name, replacing any
// earlier registration.
func (sr *SchemaRegistry) RegisterSchema(name, src string) error {
	val := sr.cuectx.CompileString(src)
	if err := val.Err(); err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("compile schema %s", name), err,
		).WithCode(engine.ErrCodeValidation)
	}

	sr.mu.Lock()
	sr.byName[name] = val
	sr.mu.Unlock()
	return nil
}

// GetSchema returns the compiled schema registered under name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	val, ok := sr.byName[name]
	sr.mu.RUnlock()
	return val, ok
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.byName))
	for name := range sr.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema unifies data with the named schema's definition and
// validates the result.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("schema %s not found", schemaName), nil,
		).WithCode(engine.ErrCodeNotFound)
	}

	def := schema.LookupPath(cue.ParsePath("#" + capitalize(schemaName)))
	if !def.Exists() {
		def = schema
	}

	dataVal := sr.cuectx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return engine.NewPermanentError("failed to encode data for validation", err).
			WithCode(engine.ErrCodeValidation)
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(); err != nil {
		return validationFailure(schemaName, ConvertCUEErrors(err))
	}

	return nil
}

// ValidatePlaybook validates a document against the playbook schema.
func (sr *SchemaRegistry) ValidatePlaybook(ctx context.Context, doc *Document) error {
	return sr.ValidateAgainstSchema(ctx, "playbook", doc)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// Built-in schema definitions. The playbook schema is self-contained: every
// definition it references is declared in the same source so it compiles on
// its own.

const builtinPlaybookSchema = `
// Playbook schema for TaskForge playbook documents
#Playbook: {
	// Name identifies the playbook
	name: string & =~"^[a-zA-Z0-9_.-]+$"

	// Description is free-form
	description?: string

	// Variables available to every step
	variables?: {[string]: _}

	// Starlark script computing derived variables
	variables_script?: string

	// Modules loaded before the run
	modules?: [...#Module]

	// Stages run strictly in order
	stages?: [...{
		name: string & =~"^[a-zA-Z0-9_.-]+$"
		steps?: [...#Step]
	}]

	// Criteria judge the finished run
	criteria?: #Criteria

	// Worker bound for grouped batches
	max_concurrency?: int & >=0

	// Tolerate every failure
	continue_on_error?: bool

	// Unwind completed steps on halt
	rollback?: bool
}

#Step: {
	target: string & =~"^[a-z0-9]+(\\.[a-z0-9_]+)*$"
	parameters?: {...}
	timeout: string & =~"^[0-9]+(ns|us|ms|s|m|h)"
	retry_count?: int & >=0 & <=10
	continue_on_error?: bool
	group?: string
}

#Criteria: {
	require_all_success?: bool
	minimum_success_count?: int & >=0
	critical_steps?: [...string]
	allowed_failures?: [...string]
}

#Module: {
	name: string & =~"^[a-zA-Z0-9_.-]+$"
	version?: string
	requires?: [...string]
	required?: bool
}
`

const builtinStepSchema = `
// Step schema for playbook steps
#Step: {
	// Target names the handler
	target: string & =~"^[a-z0-9]+(\\.[a-z0-9_]+)*$"

	// Handler-specific inputs
	parameters?: {...}

	// Per-attempt timeout in Go duration syntax
	timeout: string & =~"^[0-9]+(ns|us|ms|s|m|h)"

	// Additional attempts after a failure
	retry_count?: int & >=0 & <=10

	// Tolerate a terminal failure
	continue_on_error?: bool

	// Concurrency group within the stage
	group?: string
}
`

const builtinCriteriaSchema = `
// Criteria schema for run verdict configuration
#Criteria: {
	require_all_success?: bool
	minimum_success_count?: int & >=0
	critical_steps?: [...string]
	allowed_failures?: [...string]
}
`

const builtinModuleSchema = `
// Module schema for automation module declarations
#Module: {
	// Name is the module name
	name: string & =~"^[a-zA-Z0-9_.-]+$"

	// Version is informational
	version?: string

	// Requires lists module dependencies
	requires?: [...string]

	// Required marks mandatory modules
	required?: bool
}
`
