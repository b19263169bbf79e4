package steps

import (
	"github.com/taskforge/taskforge/pkg/engine"
)

// RegisterBuiltins registers the built-in step handlers on a registry.
// Handlers that can reverse their changes register an undo alongside.
func RegisterBuiltins(registry *engine.HandlerRegistry) error {
	fileCopy := NewFileCopyStep()
	fileTemplate := NewFileTemplateStep()
	service := NewServiceStep()
	pkg := NewPackageStep()

	handlers := []struct {
		target  string
		handler engine.StepHandler
		undo    engine.UndoFunc
	}{
		{target: "exec", handler: NewExecStep()},
		{target: "script", handler: NewScriptStep()},
		{target: "file.copy", handler: fileCopy, undo: fileCopy.Undo},
		{target: "file.template", handler: fileTemplate, undo: fileTemplate.Undo},
		{target: "service", handler: service, undo: service.Undo},
		{target: "pkg.install", handler: pkg, undo: pkg.Undo},
		{target: "remote.exec", handler: NewRemoteExecStep()},
		{target: "remote.copy", handler: NewRemoteCopyStep()},
		{target: "wasm.run", handler: NewWasmStep()},
	}

	for _, h := range handlers {
		var err error
		if h.undo != nil {
			err = registry.RegisterWithUndo(h.target, h.handler, h.undo)
		} else {
			err = registry.Register(h.target, h.handler)
		}
		if err != nil {
			return err
		}
	}

	return nil
}
