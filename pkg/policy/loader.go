package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadSettle is how long the watcher waits after the last file event
// before reloading, so editor save bursts collapse into one reload.
const reloadSettle = 500 * time.Millisecond

// Loader reads policy definitions from disk. Rego sources derive their
// name from the filename and their description from the leading comment
// block; JSON files declare the full Policy document. Parsed files are
// cached by path until ClearCache or a watched file changes.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	cache map[string]Policy
}

// NewLoader creates a loader with an empty cache.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]Policy),
	}
}

// LoadFromPaths loads every policy reachable from the given files and
// directories. Directories are walked recursively; a file that fails to
// parse inside a directory is skipped with a warning, while an explicit
// file argument that fails is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat policy path %s: %w", path, err)
		}

		if info.IsDir() {
			loaded, err := l.loadDir(path)
			if err != nil {
				return nil, fmt.Errorf("load policy directory %s: %w", path, err)
			}
			out = append(out, loaded...)
			continue
		}

		p, err := l.loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load policy %s: %w", path, err)
		}
		out = append(out, p)
	}

	l.logger.Info().
		Int("policies", len(out)).
		Int("paths", len(paths)).
		Msg("Policies loaded")

	return out, nil
}

// loadDir walks a directory tree and loads every .rego and .json file.
func (l *Loader) loadDir(dir string) ([]Policy, error) {
	var out []Policy

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFile(path)
		if err != nil {
			// Leave the rest of the directory usable.
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy file")
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// loadFile parses one policy file, serving repeated loads from the cache.
func (l *Loader) loadFile(path string) (Policy, error) {
	l.mu.RLock()
	p, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}

	p, err = parsePolicy(path, data)
	if err != nil {
		return Policy{}, err
	}

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Msg("Policy file parsed")

	return p, nil
}

// isPolicyFile reports whether the path has a recognized policy extension.
func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// parsePolicy dispatches on the file extension.
func parsePolicy(path string, data []byte) (Policy, error) {
	switch filepath.Ext(path) {
	case ".rego":
		return regoPolicy(path, data), nil
	case ".json":
		return jsonPolicy(data)
	}
	return Policy{}, fmt.Errorf("unsupported policy file type: %s", path)
}

// regoPolicy wraps raw Rego source in a Policy. Rego files carry no
// structured metadata, so the policy is named after the file and gets
// warning severity until a JSON definition or the engine overrides it.
func regoPolicy(path string, data []byte) Policy {
	now := time.Now()
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: policyDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{},
		Metadata: map[string]interface{}{
			"source": path,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// jsonPolicy decodes a JSON policy definition, filling in defaults for
// severity and timestamps when the document leaves them out.
func jsonPolicy(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse JSON policy: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	return p, nil
}

// policyDescription collects the first comment block in a Rego source.
// Blank comments and "# package ..." markers are skipped; the block ends
// at the first line of code after a comment has been seen.
func policyDescription(src string) string {
	var parts []string

	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#"):
			text := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if text != "" && !strings.HasPrefix(text, "package") {
				parts = append(parts, text)
			}
		case line != "" && len(parts) > 0:
			return strings.Join(parts, " ")
		}
	}

	return strings.Join(parts, " ")
}

// LoadBundle reads a JSON bundle of related policies.
func (l *Loader) LoadBundle(ctx context.Context, path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}

	l.logger.Info().Str("bundle", bundle.Name).Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).Msg("Policy bundle loaded")
	return &bundle, nil
}

// Watch registers the paths with a filesystem watcher and invokes reload
// with the freshly loaded policy set after changes settle. The watcher
// runs until ctx is cancelled or StopWatching is called. Paths that
// cannot be registered are logged and skipped rather than failing the
// watch, so a missing directory does not take down the server.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	l.watcher = w

	for _, path := range paths {
		if err := l.addWatchTarget(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Policy path not watchable")
		}
	}

	go l.dispatchEvents(ctx, paths, reload)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addWatchTarget registers a file or directory tree with the watcher.
// fsnotify reports events for the files inside a watched directory, so
// only directories need registering during the walk.
func (l *Loader) addWatchTarget(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return l.watcher.Add(path)
	}

	return filepath.WalkDir(path, func(sub string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(sub)
		}
		return nil
	})
}

// dispatchEvents consumes watcher events, invalidating the cache and
// scheduling a debounced reload whenever a policy file is written,
// created, removed, or renamed.
func (l *Loader) dispatchEvents(ctx context.Context, paths []string, reload func([]Policy) error) {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	var pending *time.Timer

	for {
		select {
		case <-ctx.Done():
			// A reload scheduled moments before shutdown must not fire.
			if pending != nil {
				pending.Stop()
			}
			_ = l.StopWatching()
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 || !isPolicyFile(ev.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", ev.Name).
				Str("op", ev.Op.String()).
				Msg("Policy file changed")

			// Drop everything, not just the changed entry: renames and
			// removals arrive under the old name and would otherwise
			// leave stale policies cached.
			l.ClearCache()

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadSettle, func() {
				if err := l.applyReload(ctx, paths, reload); err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// applyReload loads the watched paths from scratch and hands the result
// to the reload callback.
func (l *Loader) applyReload(ctx context.Context, paths []string, reload func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("reload policies: %w", err)
	}

	if err := reload(policies); err != nil {
		return fmt.Errorf("apply reloaded policies: %w", err)
	}

	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching closes the filesystem watcher if one is running.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

// ClearCache discards all cached policy files, forcing the next load to
// read from disk.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]Policy)
	l.mu.Unlock()
}
