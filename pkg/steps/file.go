package steps

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/rs/zerolog/log"

	"github.com/taskforge/taskforge/pkg/engine"
)

// FileCopyParams configure a local file copy.
type FileCopyParams struct {
	// Source is the file to copy.
	Source string `json:"source" validate:"required"`

	// Dest is the destination path.
	Dest string `json:"dest" validate:"required"`

	// Mode sets destination permissions as an octal string (e.g. "0644").
	Mode string `json:"mode,omitempty"`

	// Backup saves an existing destination to dest.bak before overwriting.
	Backup bool `json:"backup,omitempty"`
}

// FileCopyStep copies a local file into place, backing up any existing
// destination so the change can be undone.
type FileCopyStep struct{}

// NewFileCopyStep creates the file copy handler.
func NewFileCopyStep() *FileCopyStep {
	return &FileCopyStep{}
}

// Execute implements engine.StepHandler.
func (s *FileCopyStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params FileCopyParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(params.Source)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read source file", err).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("source", params.Source)
	}

	data, err := writeManagedFile(params.Dest, content, params.Mode, params.Backup)
	if err != nil {
		return nil, err
	}
	data["source"] = params.Source

	output := fmt.Sprintf("copied %s to %s", params.Source, params.Dest)
	if !dataBool(data, "changed") {
		output = fmt.Sprintf("%s already matches %s", params.Dest, params.Source)
	}

	return &engine.StepOutput{Output: output, Data: data}, nil
}

// Undo restores the destination from its backup, or removes it when the
// step created it.
func (s *FileCopyStep) Undo(ctx context.Context, result engine.StepResult) error {
	return undoManagedFile(result.Data)
}

// FileTemplateParams configure rendering a template to a file.
type FileTemplateParams struct {
	// Source is a template file path. One of Source or Content is required.
	Source string `json:"source,omitempty"`

	// Content is an inline template body.
	Content string `json:"content,omitempty"`

	// Dest is the destination path.
	Dest string `json:"dest" validate:"required"`

	// Mode sets destination permissions as an octal string (e.g. "0644").
	Mode string `json:"mode,omitempty"`

	// Backup saves an existing destination to dest.bak before overwriting.
	Backup bool `json:"backup,omitempty"`

	// Vars are merged over the run variables for template rendering.
	Vars map[string]interface{} `json:"vars,omitempty"`
}

// FileTemplateStep renders a Go text template with the run variables and
// writes the result to a file.
type FileTemplateStep struct{}

// NewFileTemplateStep creates the template handler.
func NewFileTemplateStep() *FileTemplateStep {
	return &FileTemplateStep{}
}

// Execute implements engine.StepHandler.
func (s *FileTemplateStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params FileTemplateParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	if params.Source == "" && params.Content == "" {
		return nil, engine.NewPermanentError("either source or content is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	body := params.Content
	if params.Source != "" {
		raw, err := os.ReadFile(params.Source)
		if err != nil {
			return nil, engine.NewPermanentError("failed to read template file", err).
				WithCode(engine.ErrCodeNotFound).
				WithDetail("source", params.Source)
		}
		body = string(raw)
	}

	tmpl, err := template.New("file").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse template", err).
			WithCode(engine.ErrCodeValidation)
	}

	// Step-level vars shadow run variables.
	vars := make(map[string]interface{}, len(inv.Variables)+len(params.Vars))
	for k, v := range inv.Variables {
		vars[k] = v
	}
	for k, v := range params.Vars {
		vars[k] = v
	}

	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, vars); err != nil {
		return nil, engine.NewPermanentError("failed to render template", err).
			WithCode(engine.ErrCodeValidation)
	}

	data, err := writeManagedFile(params.Dest, rendered.Bytes(), params.Mode, params.Backup)
	if err != nil {
		return nil, err
	}

	output := fmt.Sprintf("rendered template to %s", params.Dest)
	if !dataBool(data, "changed") {
		output = fmt.Sprintf("%s already up to date", params.Dest)
	}

	return &engine.StepOutput{Output: output, Data: data}, nil
}

// Undo restores the destination from its backup, or removes it when the
// step created it.
func (s *FileTemplateStep) Undo(ctx context.Context, result engine.StepResult) error {
	return undoManagedFile(result.Data)
}

// writeManagedFile writes content to dest, backing up or skipping as
// needed, and returns the result data an undo relies on: "changed",
// "created", "backup_path", "dest", and "checksum".
func writeManagedFile(dest string, content []byte, mode string, backup bool) (map[string]interface{}, error) {
	newChecksum := fmt.Sprintf("%x", sha256.Sum256(content))

	data := map[string]interface{}{
		"dest":     dest,
		"checksum": newChecksum,
		"changed":  false,
		"created":  false,
	}

	existing, err := os.ReadFile(dest)
	destExists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, engine.NewTransientError("failed to read destination file", err)
	}

	if destExists {
		oldChecksum := fmt.Sprintf("%x", sha256.Sum256(existing))
		if oldChecksum == newChecksum {
			return data, nil
		}

		if backup {
			backupPath := dest + ".bak"
			if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
				return nil, engine.NewTransientError("failed to create backup", err)
			}
			data["backup_path"] = backupPath
			log.Debug().Str("path", backupPath).Msg("created backup")
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, engine.NewTransientError("failed to create destination directory", err)
		}
		data["created"] = true
	}

	fileMode := os.FileMode(0o644)
	if mode != "" {
		parsed, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return nil, engine.NewPermanentError("invalid file mode", err).
				WithCode(engine.ErrCodeValidation).
				WithDetail("mode", mode)
		}
		fileMode = os.FileMode(parsed)
	}

	if err := os.WriteFile(dest, content, fileMode); err != nil {
		return nil, engine.NewTransientError("failed to write destination file", err)
	}

	if mode != "" {
		// WriteFile only applies the mode on create.
		if err := os.Chmod(dest, fileMode); err != nil {
			return nil, engine.NewTransientError("failed to set file mode", err)
		}
	}

	data["changed"] = true
	return data, nil
}

// undoManagedFile reverses a writeManagedFile change using its recorded
// result data.
func undoManagedFile(data map[string]interface{}) error {
	if !dataBool(data, "changed") {
		return nil
	}

	dest := dataString(data, "dest")
	if dest == "" {
		return fmt.Errorf("result data does not record a destination path")
	}

	if backupPath := dataString(data, "backup_path"); backupPath != "" {
		backupFile, err := os.Open(backupPath)
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer backupFile.Close()

		destFile, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("failed to restore destination: %w", err)
		}
		defer destFile.Close()

		if _, err := io.Copy(destFile, backupFile); err != nil {
			return fmt.Errorf("failed to restore destination: %w", err)
		}

		log.Debug().Str("path", dest).Msg("restored file from backup")
		return nil
	}

	if dataBool(data, "created") {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove created file: %w", err)
		}
		log.Debug().Str("path", dest).Msg("removed created file")
		return nil
	}

	// Overwrote without a backup: nothing to restore from.
	return fmt.Errorf("no backup recorded for %s", dest)
}
