// Package registry manages the installed-module catalog: manifests on
// disk, their store records, and the factory that turns an entrypoint
// name into runnable code.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"jobmill/internal/module"
	"jobmill/internal/state"
	logx "jobmill/pkg/logx"
)

// DepInstaller handles a module's dependency file after its tree has
// been copied in place. The default implementation only logs; hosts
// that manage real environments inject their own.
type DepInstaller func(ctx context.Context, moduleID, requirementsPath string) error

// FactorySet maps entrypoint names to runnable factories. Registration
// happens once at startup; duplicates are a programming error.
type FactorySet struct {
	mu        sync.Mutex
	factories map[string]module.Factory
}

func NewFactorySet() *FactorySet {
	return &FactorySet{factories: map[string]module.Factory{}}
}

func (fs *FactorySet) Register(entrypoint string, f module.Factory) error {
	if entrypoint == "" || f == nil {
		return fmt.Errorf("factory registration needs an entrypoint and a factory")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, dup := fs.factories[entrypoint]; dup {
		return fmt.Errorf("factory %q already registered", entrypoint)
	}
	fs.factories[entrypoint] = f
	return nil
}

func (fs *FactorySet) get(entrypoint string) (module.Factory, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.factories[entrypoint]
	return f, ok
}

// Registry is the module catalog.
type Registry struct {
	store      *state.Store
	modulesDir string
	factories  *FactorySet
	deps       DepInstaller
	log        logx.Logger

	cacheMu sync.Mutex
	cache   map[string]module.Factory // module id -> resolved factory
}

type Option func(*Registry)

func WithDepInstaller(d DepInstaller) Option {
	return func(r *Registry) { r.deps = d }
}

func New(store *state.Store, modulesDir string, factories *FactorySet, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		store:      store,
		modulesDir: modulesDir,
		factories:  factories,
		log:        log.With(logx.String("svc", "registry")),
		cache:      map[string]module.Factory{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Install copies a module source tree into the managed directory and
// records it in the store. Installing over an existing id replaces it.
func (r *Registry) Install(ctx context.Context, sourcePath string) (*Manifest, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("module source %s: %w", sourcePath, ErrNotFound)
		}
		return nil, err
	}
	m, err := LoadManifest(sourcePath)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(r.modulesDir, m.ID)
	managed := false
	if abs, err := filepath.Abs(sourcePath); err == nil {
		if dabs, err := filepath.Abs(dest); err == nil && abs == dabs {
			managed = true
		}
	}
	if !managed {
		if err := os.RemoveAll(dest); err != nil {
			return nil, err
		}
		if err := copyTree(sourcePath, dest); err != nil {
			return nil, fmt.Errorf("copying module %q: %w", m.ID, err)
		}
	}

	if req := filepath.Join(dest, "requirements.txt"); fileExists(req) {
		if r.deps != nil {
			if err := r.deps(ctx, m.ID, req); err != nil {
				return nil, fmt.Errorf("installing dependencies for %q: %w", m.ID, err)
			}
		} else {
			r.log.Info("module has a dependency file, no installer configured",
				logx.String("module", m.ID))
		}
	}

	rec := state.Module{
		ID:           m.ID,
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Entrypoint:   m.Entrypoint,
		Inputs:       m.InputsJSON(),
		Settings:     m.SettingsJSON(),
		Capabilities: m.Capabilities,
		Path:         dest,
	}
	if err := r.store.SaveModule(ctx, rec); err != nil {
		return nil, err
	}

	r.evict(m.ID)
	r.log.Info("module installed",
		logx.String("module", m.ID), logx.String("version", m.Version))
	return m, nil
}

// Uninstall removes the managed directory, the cached factory and the
// store record. It reports whether the module existed.
func (r *Registry) Uninstall(ctx context.Context, id string) (bool, error) {
	dir := filepath.Join(r.modulesDir, id)
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	r.evict(id)
	existed, err := r.store.DeleteModule(ctx, id)
	if err != nil {
		return false, err
	}
	if existed {
		r.log.Info("module uninstalled", logx.String("module", id))
	}
	return existed, nil
}

// Discover scans the modules directory and installs any manifest-bearing
// subdirectory the store does not know yet. Returns the number adopted.
func (r *Registry) Discover(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.modulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	adopted := 0
	for _, name := range names {
		dir := filepath.Join(r.modulesDir, name)
		if !fileExists(filepath.Join(dir, ManifestFile)) {
			continue
		}
		m, err := LoadManifest(dir)
		if err != nil {
			r.log.Warn("skipping module with bad manifest",
				logx.String("dir", dir), logx.Err(err))
			continue
		}
		if _, err := r.store.GetModule(ctx, m.ID); err == nil {
			continue
		}
		if _, err := r.Install(ctx, dir); err != nil {
			r.log.Warn("discovered module failed to install",
				logx.String("module", m.ID), logx.Err(err))
			continue
		}
		adopted++
	}
	return adopted, nil
}

// Resolve returns the factory for an installed module, caching the
// lookup per module id. A module whose entrypoint has no registered
// factory cannot run.
func (r *Registry) Resolve(ctx context.Context, moduleID string) (module.Factory, error) {
	r.cacheMu.Lock()
	if f, ok := r.cache[moduleID]; ok {
		r.cacheMu.Unlock()
		return f, nil
	}
	r.cacheMu.Unlock()

	rec, err := r.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	f, ok := r.factories.get(rec.Entrypoint)
	if !ok {
		return nil, fmt.Errorf("module %q: no factory registered for entrypoint %q", moduleID, rec.Entrypoint)
	}

	r.cacheMu.Lock()
	r.cache[moduleID] = f
	r.cacheMu.Unlock()
	return f, nil
}

// Manifest loads the stored definitions for a module as a Manifest.
func (r *Registry) Manifest(ctx context.Context, moduleID string) (*Manifest, error) {
	rec, err := r.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		ID:           rec.ID,
		Name:         rec.Name,
		Version:      rec.Version,
		Description:  rec.Description,
		Entrypoint:   rec.Entrypoint,
		Capabilities: rec.Capabilities,
	}
	if len(rec.Inputs) > 0 {
		if err := json.Unmarshal(rec.Inputs, &m.Inputs); err != nil {
			return nil, fmt.Errorf("module %q: stored inputs: %w", moduleID, err)
		}
	}
	if len(rec.Settings) > 0 {
		if err := json.Unmarshal(rec.Settings, &m.Settings); err != nil {
			return nil, fmt.Errorf("module %q: stored settings: %w", moduleID, err)
		}
	}
	return m, nil
}

func (r *Registry) evict(moduleID string) {
	r.cacheMu.Lock()
	delete(r.cache, moduleID)
	r.cacheMu.Unlock()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
