// Package registry loads tool templates from a directory of JSON files and
// serves immutable copies of them by name.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the subset of the application logger the registry needs.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
}

// CheckFunc validates a parsed template beyond its own schema, for example that
// every prompt placeholder is declared.
type CheckFunc func(Template) error

// NotFoundError is returned by GetTemplate for unknown names.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// LoadError describes one template file that was skipped.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type Option func(*Registry)

// WithCheck adds a validation hook run on every template at load time.
func WithCheck(check CheckFunc) Option {
	return func(r *Registry) { r.checks = append(r.checks, check) }
}

// WithLogger sets the logger used to report skipped files.
func WithLogger(l Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry holds the loaded templates. Reads take a snapshot under a read lock,
// Reload swaps the whole snapshot.
type Registry struct {
	dir    string
	checks []CheckFunc
	logger Logger

	mu        sync.RWMutex
	templates map[string]Template
	skipped   []*LoadError
	loadedAt  time.Time
}

// Load reads every *.json file in dir. Files that fail to parse or validate are
// skipped and reported through the logger and Skipped; a missing directory is an error.
func Load(dir string, opts ...Option) (*Registry, error) {
	r := &Registry{dir: dir, logger: nopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the template directory.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read template dir %s: %w", r.dir, err)
	}

	templates := make(map[string]Template)
	var skipped []*LoadError
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())

		tpl, err := r.loadFile(path)
		if err != nil {
			skipped = append(skipped, &LoadError{Path: path, Err: err})
			r.logger.Warn("Skipping template file", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		if _, dup := templates[tpl.Name]; dup {
			err := fmt.Errorf("duplicate tool_name %q", tpl.Name)
			skipped = append(skipped, &LoadError{Path: path, Err: err})
			r.logger.Warn("Skipping template file", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		templates[tpl.Name] = tpl
	}

	r.mu.Lock()
	r.templates = templates
	r.skipped = skipped
	r.loadedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("Templates loaded", map[string]interface{}{
		"dir":     r.dir,
		"count":   len(templates),
		"skipped": len(skipped),
	})
	return nil
}

func (r *Registry) loadFile(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, err
	}

	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return Template{}, fmt.Errorf("parse: %w", err)
	}
	if tpl.Name == "" {
		return Template{}, fmt.Errorf("missing tool_name")
	}

	tpl.applyDefaults()
	if err := tpl.validate(); err != nil {
		return Template{}, err
	}
	for _, check := range r.checks {
		if err := check(tpl); err != nil {
			return Template{}, err
		}
	}
	return tpl, nil
}

// GetTemplate returns a copy of the named template.
func (r *Registry) GetTemplate(name string) (Template, error) {
	r.mu.RLock()
	tpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return Template{}, &NotFoundError{Name: name}
	}
	return tpl.Clone(), nil
}

// ListTemplates returns copies of all templates ordered by name.
func (r *Registry) ListTemplates() []Template {
	r.mu.RLock()
	out := make([]Template, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, tpl.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Skipped returns the files rejected by the last load.
func (r *Registry) Skipped() []*LoadError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*LoadError(nil), r.skipped...)
}

// Ready reports whether at least one template is loaded.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates) > 0
}

type nopLogger struct{}

func (nopLogger) Info(string, map[string]interface{}) {}
func (nopLogger) Warn(string, map[string]interface{}) {}
