// Package steps provides the built-in step handlers: local command
// execution, file management, service and package management, remote
// execution over SSH, and WASM module invocation. RegisterBuiltins wires
// them into an engine.HandlerRegistry.
package steps

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/taskforge/taskforge/pkg/engine"
)

var validate = validator.New()

// decodeParams converts the loosely typed parameter map of a step into a
// typed parameter struct and validates it. Unknown keys are ignored so
// playbooks can carry annotations the handler does not read.
func decodeParams(params map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return engine.NewPermanentError("failed to encode step parameters", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return engine.NewPermanentError("failed to decode step parameters", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := validate.Struct(dst); err != nil {
		return engine.NewPermanentError("invalid step parameters", err).
			WithCode(engine.ErrCodeValidation)
	}

	return nil
}

// dataString reads a string value out of recorded step result data.
func dataString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// dataBool reads a bool value out of recorded step result data.
func dataBool(data map[string]interface{}, key string) bool {
	if data == nil {
		return false
	}
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

// truncateOutput bounds captured command output carried in errors and
// result data.
func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes truncated)", s[:max], len(s)-max)
}
