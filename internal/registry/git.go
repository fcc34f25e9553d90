package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	logx "jobmill/pkg/logx"
)

// cloneTimeout bounds a single git clone.
const cloneTimeout = 120 * time.Second

var allowedURLPrefixes = []string{"http://", "https://", "git@", "ssh://"}

func allowedRepoURL(u string) bool {
	for _, p := range allowedURLPrefixes {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// InstallFromGit shallow-clones a repository into a temp dir and
// installs the module found at its root (or at subdir, if given). The
// clone is removed regardless of outcome.
func (r *Registry) InstallFromGit(ctx context.Context, repoURL, subdir string) (*Manifest, error) {
	tmp, cleanup, err := r.cloneRepo(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	src := tmp
	if subdir != "" {
		src = filepath.Join(tmp, filepath.Clean(subdir))
	}
	return r.Install(ctx, src)
}

func (r *Registry) cloneRepo(ctx context.Context, repoURL string) (dir string, cleanup func(), err error) {
	if !allowedRepoURL(repoURL) {
		return "", nil, &ValidationError{Msg: fmt.Sprintf("repository url %q: scheme not allowed", repoURL)}
	}

	tmp, err := os.MkdirTemp("", "jobmill-clone-*")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { _ = os.RemoveAll(tmp) }

	cctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", "clone", "--depth", "1", repoURL, tmp)
	out, err := cmd.CombinedOutput()
	if err != nil {
		cleanup()
		r.log.Warn("git clone failed",
			logx.String("repo", repoURL), logx.Err(err),
			logx.String("output", strings.TrimSpace(string(out))))
		return "", nil, fmt.Errorf("cloning %s: %w", repoURL, err)
	}
	return tmp, cleanup, nil
}
