package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/taskforge/taskforge/pkg/engine"
)

// WasmParams configure a WASM module invocation.
type WasmParams struct {
	// Module is the path to the .wasm file.
	Module string `json:"module" validate:"required"`

	// Function is the exported function to call (default: run).
	Function string `json:"function,omitempty"`

	// Input is passed to the function as JSON.
	Input map[string]interface{} `json:"input,omitempty"`

	// MemoryLimitMB caps module memory (default: 16).
	MemoryLimitMB int `json:"memory_limit_mb,omitempty" validate:"omitempty,gte=1,lte=1024"`
}

// WasmStep runs a function exported by a WASM module in a sandboxed
// wazero runtime with WASI support.
//
// Modules export functions with the signature fn(ptr, len) -> u64 where
// the input is JSON written at ptr and the result packs the output
// pointer and length as (ptr << 32) | len. Modules must also export
// malloc and free for buffer management.
type WasmStep struct{}

// NewWasmStep creates the WASM handler.
func NewWasmStep() *WasmStep {
	return &WasmStep{}
}

// Execute implements engine.StepHandler.
func (s *WasmStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params WasmParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	fnName := params.Function
	if fnName == "" {
		fnName = "run"
	}

	memoryLimitMB := params.MemoryLimitMB
	if memoryLimitMB == 0 {
		memoryLimitMB = 16
	}

	wasmBytes, err := os.ReadFile(params.Module)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read WASM module", err).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("module", params.Module)
	}

	// 64 KiB per WASM page.
	memoryPages := uint32(memoryLimitMB) * 16

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, engine.NewPermanentError("failed to instantiate WASI", err).
			WithCode(engine.ErrCodeInternal)
	}

	module, err := runtime.Instantiate(ctx, wasmBytes)
	if err != nil {
		return nil, engine.NewPermanentError("failed to instantiate WASM module", err).
			WithCode(engine.ErrCodeStepFailed).
			WithDetail("module", params.Module)
	}

	log.Debug().
		Str("module", params.Module).
		Str("function", fnName).
		Msg("calling WASM function")

	if params.Input == nil {
		params.Input = map[string]interface{}{}
	}
	inputJSON, err := json.Marshal(params.Input)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode WASM input", err).
			WithCode(engine.ErrCodeValidation)
	}

	outputJSON, err := callWASMFunction(ctx, module, fnName, inputJSON)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewTransientError("WASM execution interrupted", ctx.Err())
		}
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(outputJSON, &result); err != nil {
		return nil, engine.NewPermanentError("WASM function returned invalid JSON", err).
			WithCode(engine.ErrCodeStepFailed)
	}

	return &engine.StepOutput{
		Output: dataString(result, "output"),
		Data:   result,
	}, nil
}

// callWASMFunction invokes an exported function using the shared buffer
// protocol: allocate input with malloc, call fn(ptr, len), unpack the
// (ptr << 32) | len result, read the output, free both buffers.
func callWASMFunction(ctx context.Context, module api.Module, fnName string, input []byte) ([]byte, error) {
	fn := module.ExportedFunction(fnName)
	if fn == nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("WASM module does not export function %s", fnName), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	malloc := module.ExportedFunction("malloc")
	free := module.ExportedFunction("free")
	if malloc == nil || free == nil {
		return nil, engine.NewPermanentError(
			"WASM module does not export malloc and free", nil).
			WithCode(engine.ErrCodeValidation)
	}

	allocResults, err := malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, engine.NewPermanentError("failed to allocate WASM memory", err).
			WithCode(engine.ErrCodeStepFailed)
	}
	inputPtr := uint32(allocResults[0])
	defer free.Call(ctx, uint64(inputPtr))

	if !module.Memory().Write(inputPtr, input) {
		return nil, engine.NewPermanentError("failed to write WASM input", nil).
			WithCode(engine.ErrCodeStepFailed)
	}

	callResults, err := fn.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("WASM function %s failed", fnName), err).
			WithCode(engine.ErrCodeStepFailed)
	}
	if len(callResults) == 0 {
		return []byte("{}"), nil
	}

	packed := callResults[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := module.Memory().Read(outputPtr, outputLen)
	if !ok {
		return nil, engine.NewPermanentError("failed to read WASM output", nil).
			WithCode(engine.ErrCodeStepFailed)
	}

	// Copy before free invalidates the backing memory.
	result := make([]byte, len(output))
	copy(result, output)
	free.Call(ctx, uint64(outputPtr))

	return result, nil
}
