package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"jobmill/internal/module"
	"jobmill/internal/state"
	logx "jobmill/pkg/logx"
)

func newTestRegistry(t *testing.T) (*Registry, *state.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := state.Open(state.Config{Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	modulesDir := filepath.Join(dir, "modules")
	fs := NewFactorySet()
	if err := fs.Register("main", func() module.Runner {
		return module.RunnerFunc(func(context.Context, *module.RunContext) error { return nil })
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return New(store, modulesDir, fs, logx.Nop()), store, modulesDir
}

func writeModuleSource(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return dir
}

const echoManifest = `{
  "id": "echo",
  "name": "Echo",
  "version": "1.0.0",
  "inputs": {"name": {"type": "text", "required": true}}
}`

func TestInstallAndResolve(t *testing.T) {
	t.Parallel()
	r, store, modulesDir := newTestRegistry(t)
	ctx := context.Background()

	src := writeModuleSource(t, echoManifest)
	m, err := r.Install(ctx, src)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if m.ID != "echo" || m.Entrypoint != "main" {
		t.Fatalf("manifest = %+v", m)
	}

	// tree copied into the managed dir
	if _, err := os.Stat(filepath.Join(modulesDir, "echo", "notes.txt")); err != nil {
		t.Fatalf("copied tree missing: %v", err)
	}
	// store row exists
	rec, err := store.GetModule(ctx, "echo")
	if err != nil {
		t.Fatalf("GetModule: %v", err)
	}
	if rec.Entrypoint != "main" {
		t.Fatalf("stored entrypoint = %q", rec.Entrypoint)
	}

	f, err := r.Resolve(ctx, "echo")
	if err != nil || f == nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestInstallMissingSource(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	_, err := r.Install(context.Background(), "/nonexistent/path")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Install missing source = %v", err)
	}
}

func TestInstallRejectsBadManifest(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	src := writeModuleSource(t, `{"name": "NoID", "version": "1.0.0"}`)
	_, err := r.Install(context.Background(), src)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUninstall(t *testing.T) {
	t.Parallel()
	r, _, modulesDir := newTestRegistry(t)
	ctx := context.Background()

	src := writeModuleSource(t, echoManifest)
	if _, err := r.Install(ctx, src); err != nil {
		t.Fatalf("Install: %v", err)
	}

	existed, err := r.Uninstall(ctx, "echo")
	if err != nil || !existed {
		t.Fatalf("Uninstall = %v, %v", existed, err)
	}
	if _, err := os.Stat(filepath.Join(modulesDir, "echo")); !os.IsNotExist(err) {
		t.Fatal("managed dir should be gone")
	}
	existed, err = r.Uninstall(ctx, "echo")
	if err != nil || existed {
		t.Fatalf("second Uninstall = %v, %v", existed, err)
	}
}

func TestDiscoverAdoptsUnknownDirs(t *testing.T) {
	t.Parallel()
	r, store, modulesDir := newTestRegistry(t)
	ctx := context.Background()

	// drop a module tree directly into the managed dir, bypassing Install
	dir := filepath.Join(modulesDir, "echo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(echoManifest), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// and one junk dir without a manifest
	if err := os.MkdirAll(filepath.Join(modulesDir, "junk"), 0o755); err != nil {
		t.Fatalf("mkdir junk: %v", err)
	}

	n, err := r.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if n != 1 {
		t.Fatalf("adopted = %d", n)
	}
	if _, err := store.GetModule(ctx, "echo"); err != nil {
		t.Fatalf("module not adopted: %v", err)
	}

	// second pass adopts nothing
	n, err = r.Discover(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second Discover = %d, %v", n, err)
	}
}

func TestResolveUnknownEntrypoint(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	src := writeModuleSource(t, `{"id":"odd","name":"Odd","version":"1.0.0","entrypoint":"exotic"}`)
	if _, err := r.Install(ctx, src); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := r.Resolve(ctx, "odd"); err == nil {
		t.Fatal("expected error for unregistered entrypoint")
	}
}

func TestFactorySetRejectsDuplicates(t *testing.T) {
	t.Parallel()
	fs := NewFactorySet()
	f := func() module.Runner {
		return module.RunnerFunc(func(context.Context, *module.RunContext) error { return nil })
	}
	if err := fs.Register("main", f); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := fs.Register("main", f); err == nil {
		t.Fatal("duplicate Register should fail")
	}
}

func TestInstallFromGitRejectsScheme(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	for _, u := range []string{"file:///etc", "ftp://host/repo", "/local/path", "rsync://host/x"} {
		_, err := r.InstallFromGit(context.Background(), u, "")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("url %q: expected ValidationError, got %v", u, err)
		}
	}
}

func TestSyncReportsPerEntryFailures(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	report := r.Sync(context.Background(), []Source{
		{Repo: "file:///rejected", Modules: []string{"a", "b"}},
	})
	if len(report.Installed) != 0 {
		t.Fatalf("installed = %v", report.Installed)
	}
	if len(report.Failed) != 2 {
		t.Fatalf("failed = %v", report.Failed)
	}
	if _, ok := report.Failed["file:///rejected#a"]; !ok {
		t.Fatalf("missing entry key: %v", report.Failed)
	}
}
