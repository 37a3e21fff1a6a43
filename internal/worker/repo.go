// repo.go resolves repository references to working directories.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RepoProvider resolves a repository reference to a ready working directory.
// Clone and worktree mechanics are out of engine scope; the engine only
// needs a directory to run in.
type RepoProvider interface {
	EnsureWorkdir(ctx context.Context, repo string) (string, error)
}

// LocalDirProvider maps a repository reference to a directory under Base,
// creating it when absent. It is the default provider; deployments with real
// clone or devcontainer needs plug in their own RepoProvider.
type LocalDirProvider struct {
	Base string
}

func (p *LocalDirProvider) EnsureWorkdir(_ context.Context, repo string) (string, error) {
	name := sanitizeRepoName(repo)
	if name == "" {
		name = "default"
	}
	dir := filepath.Join(p.Base, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return dir, nil
}

func sanitizeRepoName(repo string) string {
	repo = strings.TrimSuffix(repo, ".git")
	if idx := strings.LastIndexAny(repo, "/:"); idx >= 0 {
		repo = repo[idx+1:]
	}
	var b strings.Builder
	for _, r := range repo {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
