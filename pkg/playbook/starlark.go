package playbook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes variables scripts in a sandbox: no filesystem,
// no network, print suppressed, bounded by a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// ScriptResult is the outcome of one script evaluation.
type ScriptResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took.
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewStarlarkEvaluator creates an evaluator with the given timeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script with the input values predeclared and returns the
// script's globals. Globals starting with an underscore stay private.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*ScriptResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		result *ScriptResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := se.evaluateSync(script, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("script did not return within %v", se.timeout)
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		out.result.ExecutionTime = time.Since(startTime)
		return out.result, nil
	}
}

func (se *StarlarkEvaluator) evaluateSync(script string, input map[string]interface{}) (*ScriptResult, error) {
	predeclared := starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}
	for key, val := range input {
		converted, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("convert input %s: %w", key, err)
		}
		predeclared[key] = converted
	}

	thread := &starlark.Thread{
		Name: "taskforge",
		// Scripts compute values; print output is discarded.
		Print: func(*starlark.Thread, string) {},
	}

	globals, err := starlark.ExecFile(thread, "variables.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	output, err := exportGlobals(globals)
	if err != nil {
		return nil, err
	}
	return &ScriptResult{Output: output}, nil
}

// exportGlobals converts public script globals back to Go values. Names
// starting with an underscore stay internal to the script.
func exportGlobals(globals starlark.StringDict) (map[string]interface{}, error) {
	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		converted, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("convert output %s: %w", name, err)
		}
		output[name] = converted
	}
	return output, nil
}

// toStarlarkValue converts a Go value into its Starlark form. Only the
// types JSON and YAML decoding produce are supported.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case []interface{}:
		return sliceToStarlark(val)
	case map[string]interface{}:
		return mapToStarlark(val)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func sliceToStarlark(items []interface{}) (starlark.Value, error) {
	elems := make([]starlark.Value, len(items))
	for i, item := range items {
		converted, err := toStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		elems[i] = converted
	}
	return starlark.NewList(elems), nil
}

func mapToStarlark(m map[string]interface{}) (starlark.Value, error) {
	dict := starlark.NewDict(len(m))
	for key, item := range m {
		converted, err := toStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		if err := dict.SetKey(starlark.String(key), converted); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// fromStarlarkValue converts a Starlark value back to plain Go data.
// Tuples flatten to slices and structs to maps.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		n, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", val)
		}
		return n, nil
	case starlark.Float:
		return float64(val), nil
	case *starlark.List:
		return indexableToGo(val)
	case starlark.Tuple:
		return indexableToGo(val)
	case *starlark.Dict:
		return dictToGo(val)
	case *starlarkstruct.Struct:
		return structToGo(val)
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func indexableToGo(seq starlark.Indexable) (interface{}, error) {
	out := make([]interface{}, seq.Len())
	for i := range out {
		converted, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}

func dictToGo(d *starlark.Dict) (interface{}, error) {
	out := make(map[string]interface{}, d.Len())
	for _, pair := range d.Items() {
		key, ok := pair[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("dict key must be string")
		}
		converted, err := fromStarlarkValue(pair[1])
		if err != nil {
			return nil, err
		}
		out[string(key)] = converted
	}
	return out, nil
}

func structToGo(s *starlarkstruct.Struct) (interface{}, error) {
	names := s.AttrNames()
	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		attr, err := s.Attr(name)
		if err != nil {
			continue
		}
		converted, err := fromStarlarkValue(attr)
		if err != nil {
			return nil, err
		}
		out[name] = converted
	}
	return out, nil
}

// Helper built-ins mirroring the Python forms scripts expect. The range
// result is materialized as a list, not a lazy sequence.

func builtinRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var bounds [3]int64
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &bounds[0], &bounds[1], &bounds[2]); err != nil {
		return nil, err
	}

	start, stop, step := int64(0), bounds[0], int64(1)
	switch len(args) {
	case 2:
		start, stop = bounds[0], bounds[1]
	case 3:
		start, stop, step = bounds[0], bounds[1], bounds[2]
	}
	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var elems []starlark.Value
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		elems = append(elems, starlark.MakeInt64(i))
	}
	return starlark.NewList(elems), nil
}

func builtinEnumerate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var index int64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &index); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var elems []starlark.Value
	var item starlark.Value
	for iter.Next(&item) {
		elems = append(elems, starlark.Tuple{starlark.MakeInt64(index), item})
		index++
	}
	return starlark.NewList(elems), nil
}

func builtinZip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	iters := make([]starlark.Iterator, 0, len(args))
	defer func() {
		for _, iter := range iters {
			iter.Done()
		}
	}()
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters = append(iters, iterable.Iterate())
	}
	if len(iters) == 0 {
		return starlark.NewList(nil), nil
	}

	var rows []starlark.Value
	for {
		row := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&row[i]) {
				return starlark.NewList(rows), nil
			}
		}
		rows = append(rows, row)
	}
}
