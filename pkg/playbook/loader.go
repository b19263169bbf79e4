package playbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Loader parses playbook files into documents. CUE sources get full
// constraint evaluation and unification; YAML sources are decoded directly.
// One loader may be shared across goroutines.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	starlark  *StarlarkEvaluator
	validator *validator.Validate
}

// NewLoader creates a playbook loader with the built-in schemas.
func NewLoader() *Loader {
	return &Loader{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: validator.New(),
	}
}

// Load parses the playbook at path, chosen by extension: .cue is evaluated
// as CUE, .yaml/.yml/.json decoded as YAML. The returned document is
// validated and its variables script, if any, has been applied.
func (l *Loader) Load(ctx context.Context, path string) (*Document, error) {
	var (
		doc *Document
		err error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		doc, err = l.loadCUE(path)
	case ".yaml", ".yml", ".json":
		doc, err = l.loadYAML(path)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unsupported playbook format %q", filepath.Ext(path)),
			nil,
		).WithCode(engine.ErrCodeValidation)
	}
	if err != nil {
		return nil, err
	}

	return l.finish(ctx, doc)
}

// LoadDirectory evaluates a directory as a CUE package. Multi-file playbooks
// unify into a single document.
func (l *Loader) LoadDirectory(ctx context.Context, dir string) (*Document, error) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no CUE files found in %s", dir), nil,
		).WithCode(engine.ErrCodeNotFound)
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, validationFailure(dir, ConvertCUEErrors(inst.Err))
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, validationFailure(dir, ConvertCUEErrors(err))
	}

	doc, err := l.extractDocument(val, dir)
	if err != nil {
		return nil, err
	}
	return l.finish(ctx, doc)
}

// ParseCUE parses inline CUE content.
func (l *Loader) ParseCUE(ctx context.Context, content string) (*Document, error) {
	val := l.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, validationFailure("inline.cue", ConvertCUEErrors(err))
	}

	doc, err := l.extractDocument(val, "inline.cue")
	if err != nil {
		return nil, err
	}
	return l.finish(ctx, doc)
}

// ParseYAML parses inline YAML content.
func (l *Loader) ParseYAML(ctx context.Context, content []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, engine.NewPermanentError("failed to decode playbook YAML", err).
			WithCode(engine.ErrCodeValidation)
	}
	return l.finish(ctx, &doc)
}

// Validate checks a document against struct constraints and the built-in
// playbook schema.
func (l *Loader) Validate(ctx context.Context, doc *Document) error {
	if err := l.validator.Struct(doc); err != nil {
		return engine.NewPermanentError("playbook validation failed", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := l.schemas.ValidatePlaybook(ctx, doc); err != nil {
		return err
	}
	return validateSemantics(doc)
}

// Schemas returns the loader's schema registry for custom registrations.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

func (l *Loader) loadCUE(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to read playbook %s", path), err,
		).WithCode(engine.ErrCodeNotFound)
	}

	val := l.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, validationFailure(path, ConvertCUEErrors(err))
	}

	return l.extractDocument(val, path)
}

func (l *Loader) loadYAML(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to read playbook %s", path), err,
		).WithCode(engine.ErrCodeNotFound)
	}

	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to decode playbook %s", path), err,
		).WithCode(engine.ErrCodeValidation)
	}
	return &doc, nil
}

// extractDocument decodes the playbook from an evaluated CUE value. The
// document lives under the top-level "playbook" field; a bare document at the
// root is accepted too.
func (l *Loader) extractDocument(val cue.Value, source string) (*Document, error) {
	target := val.LookupPath(cue.ParsePath("playbook"))
	if !target.Exists() {
		target = val
	}

	var doc Document
	if err := target.Decode(&doc); err != nil {
		return nil, validationFailure(source, ConvertCUEErrors(err))
	}
	return &doc, nil
}

// finish validates the document and applies its variables script.
func (l *Loader) finish(ctx context.Context, doc *Document) (*Document, error) {
	if err := l.Validate(ctx, doc); err != nil {
		return nil, err
	}
	if err := l.applyVariablesScript(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// applyVariablesScript evaluates the document's Starlark script with the
// authored variables as input and merges the script's globals over them.
func (l *Loader) applyVariablesScript(ctx context.Context, doc *Document) error {
	if doc.VariablesScript == "" {
		return nil
	}

	result, err := l.starlark.Evaluate(ctx, doc.VariablesScript, doc.Variables)
	if err != nil {
		return engine.NewPermanentError("variables script failed", err).
			WithCode(engine.ErrCodeValidation)
	}

	if doc.Variables == nil {
		doc.Variables = make(map[string]interface{}, len(result.Output))
	}
	for k, v := range result.Output {
		doc.Variables[k] = v
	}
	return nil
}

// validateSemantics enforces the constraints struct tags cannot express:
// unique stage names and parseable positive timeouts.
func validateSemantics(doc *Document) error {
	seen := make(map[string]bool, len(doc.Stages))
	for si, stage := range doc.Stages {
		if seen[stage.Name] {
			return engine.NewPermanentError(
				fmt.Sprintf("duplicate stage name %q", stage.Name), nil,
			).WithCode(engine.ErrCodeValidation).WithStage(stage.Name)
		}
		seen[stage.Name] = true

		for pi, step := range stage.Steps {
			timeout, err := time.ParseDuration(step.Timeout)
			if err != nil {
				return engine.NewPermanentError(
					fmt.Sprintf("stages[%d].steps[%d]: invalid timeout %q", si, pi, step.Timeout),
					err,
				).WithCode(engine.ErrCodeValidation).WithStep(step.Target).WithStage(stage.Name)
			}
			if timeout <= 0 {
				return engine.NewPermanentError(
					fmt.Sprintf("stages[%d].steps[%d]: timeout must be positive", si, pi),
					nil,
				).WithCode(engine.ErrCodeValidation).WithStep(step.Target).WithStage(stage.Name)
			}
		}
	}
	return nil
}

// validationFailure folds located parse errors into one classified error.
func validationFailure(source string, errs []ValidationError) error {
	if len(errs) == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("failed to parse %s", source), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return engine.NewPermanentError(
		fmt.Sprintf("failed to parse %s: %s", source, strings.Join(msgs, "; ")), nil,
	).WithCode(engine.ErrCodeValidation).WithDetail("errors", errs)
}

// ConvertCUEErrors flattens a CUE error into located validation errors.
func ConvertCUEErrors(err error) []ValidationError {
	var out []ValidationError

	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		})
	}

	return out
}
