package registry

import (
	"context"
	"path/filepath"

	logx "jobmill/pkg/logx"
)

// Source declares one repository and the module subdirectories to
// install from it. An empty Modules list means the repository root is
// itself one module.
type Source struct {
	Repo    string   `json:"repo"`
	Modules []string `json:"modules,omitempty"`
}

// SyncReport lists what a Sync pass managed per entry. Failures never
// abort the pass and installed modules are never rolled back.
type SyncReport struct {
	Installed []string          `json:"installed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Sync installs every declared source entry, cloning each repository
// once and installing the listed subdirectories from the clone.
func (r *Registry) Sync(ctx context.Context, sources []Source) SyncReport {
	report := SyncReport{Failed: map[string]string{}}

	for _, src := range sources {
		entries := src.Modules
		if len(entries) == 0 {
			entries = []string{""}
		}

		tmp, cleanup, err := r.cloneRepo(ctx, src.Repo)
		if err != nil {
			for _, name := range entries {
				report.Failed[entryKey(src.Repo, name)] = err.Error()
			}
			continue
		}

		for _, name := range entries {
			dir := tmp
			if name != "" {
				dir = filepath.Join(tmp, filepath.Clean(name))
			}
			m, err := r.Install(ctx, dir)
			if err != nil {
				report.Failed[entryKey(src.Repo, name)] = err.Error()
				continue
			}
			report.Installed = append(report.Installed, m.ID)
		}
		cleanup()
	}

	if len(report.Failed) > 0 {
		r.log.Warn("module sync finished with failures",
			logx.Int("installed", len(report.Installed)),
			logx.Int("failed", len(report.Failed)))
	} else {
		r.log.Info("module sync finished",
			logx.Int("installed", len(report.Installed)))
	}
	return report
}

func entryKey(repo, name string) string {
	if name == "" {
		return repo
	}
	return repo + "#" + name
}
