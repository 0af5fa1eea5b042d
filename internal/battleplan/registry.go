package battleplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// ErrPlanNotFound is returned by Registry.Get for an unknown plan name.
var ErrPlanNotFound = errors.New("battle plan not found")

// Registry holds the plans found in one directory of YAML files.
type Registry struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	plans map[string]*Plan
	files map[string]string // plan name -> file it came from
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for reload events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry over dir on fs. Call Load to read it.
func NewRegistry(fs afero.Fs, dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		fs:     fs,
		dir:    dir,
		logger: slog.Default(),
		plans:  make(map[string]*Plan),
		files:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the directory the registry reads.
func (r *Registry) Dir() string {
	return r.dir
}

// Load reads every .yaml and .yml file in the directory and replaces the
// registered set. Files that fail to parse are reported in the returned error
// and skipped; the remaining plans are still registered. A plan name defined in
// two files is an error for the second file.
func (r *Registry) Load() error {
	entries, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		return fmt.Errorf("failed to read plan directory %s: %w", r.dir, err)
	}

	plans := make(map[string]*Plan)
	files := make(map[string]string)
	var errs []error

	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())

		data, err := afero.ReadFile(r.fs, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		plan, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if other, dup := files[plan.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: plan '%s' already defined in %s", path, plan.Name, other))
			continue
		}
		plans[plan.Name] = plan
		files[plan.Name] = path
	}

	r.mu.Lock()
	r.plans = plans
	r.files = files
	r.mu.Unlock()

	r.logger.Info("battle plans loaded",
		"component", "battleplan", "event_type", "plans_loaded",
		"dir", r.dir, "count", len(plans), "errors", len(errs))

	return errors.Join(errs...)
}

// Register adds or replaces a plan directly, after validating it.
func (r *Registry) Register(p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.Name] = p
	return nil
}

// Get returns the named plan.
func (r *Registry) Get(name string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, name)
	}
	return p, nil
}

// List returns every plan sorted by name.
func (r *Registry) List() []*Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the registry whenever a plan file in the directory changes,
// until ctx is cancelled. The directory must exist on the local disk.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create plan watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch plan directory %s: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isPlanFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Load(); err != nil {
				r.logger.Warn("battle plan reload had errors",
					"component", "battleplan", "event_type", "plans_reload_failed",
					"file", event.Name, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("plan watcher error",
				"component", "battleplan", "event_type", "watch_error", "error", err)
		}
	}
}

func isPlanFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
