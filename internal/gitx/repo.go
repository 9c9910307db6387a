// Package gitx answers the version-control questions asked before publishing:
// where the repository is, which files under a package are uncommitted, and
// which commit the package is being packaged from.
package gitx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
)

// ErrNotRepository is returned when a path is not inside a git worktree.
var ErrNotRepository = errors.New("not in a git repository")

// GitRepo provides an abstraction for git repository operations.
type GitRepo interface {
	// Discover finds the git repository root starting from cwd.
	Discover(cwd string) (root string, err error)

	// RelPath computes the relative path from repo root to the given absolute path.
	RelPath(root, absPath string) (string, error)

	// DirtyFiles lists modified, staged and untracked files below dir,
	// relative to the repository root and sorted.
	DirtyFiles(dir string) ([]string, error)

	// HeadCommit returns the hex hash of HEAD for the repository containing dir.
	HeadCommit(dir string) (string, error)
}

// RealGitRepo implements GitRepo with go-git.
type RealGitRepo struct{}

// NewRealGitRepo creates a new RealGitRepo.
func NewRealGitRepo() *RealGitRepo {
	return &RealGitRepo{}
}

// Discover finds the git repository root by walking up from cwd looking for .git.
func (g *RealGitRepo) Discover(cwd string) (string, error) {
	absPath, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	current := absPath
	for {
		// .git can be a directory or a file (worktrees, submodules)
		if info, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrNotRepository
		}
		current = parent
	}
}

// RelPath computes the relative path from repo root to the given absolute path.
func (g *RealGitRepo) RelPath(root, absPath string) (string, error) {
	return relPath(root, absPath)
}

// DirtyFiles reports uncommitted files under dir using the worktree status.
func (g *RealGitRepo) DirtyFiles(dir string) ([]string, error) {
	repo, err := open(dir)
	if err != nil {
		return nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get git worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get git status: %w", err)
	}

	prefix, err := relPath(wt.Filesystem.Root(), dir)
	if err != nil {
		return nil, err
	}
	prefix = filepath.ToSlash(prefix)

	var dirty []string
	for path, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		if !underDir(path, prefix) {
			continue
		}
		dirty = append(dirty, path)
	}
	sort.Strings(dirty)
	return dirty, nil
}

// HeadCommit returns the hash HEAD points at.
func (g *RealGitRepo) HeadCommit(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotRepository
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	return repo, nil
}

func relPath(root, absPath string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute root: %w", err)
	}
	absTarget, err := filepath.Abs(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute target: %w", err)
	}

	// Symlinked temp dirs (macOS /var -> /private/var) would otherwise look external.
	if r, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = r
	}
	if r, err := filepath.EvalSymlinks(absTarget); err == nil {
		absTarget = r
	}

	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path is outside repository")
	}
	return rel, nil
}

func underDir(path, dir string) bool {
	if dir == "." || dir == "" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+"/")
}

// FakeGitRepo implements GitRepo with predetermined values for testing.
type FakeGitRepo struct {
	root  string
	head  string
	dirty []string
	err   error
}

// NewFakeGitRepo creates a new FakeGitRepo rooted at root.
func NewFakeGitRepo(root string) *FakeGitRepo {
	return &FakeGitRepo{
		root: root,
		head: "0000000000000000000000000000000000000000",
	}
}

// SetError sets an error to be returned by all methods.
func (g *FakeGitRepo) SetError(err error) {
	g.err = err
}

// SetDirty sets the dirty files, relative to the fake root.
func (g *FakeGitRepo) SetDirty(files ...string) {
	g.dirty = append([]string(nil), files...)
}

// SetHead sets the commit returned by HeadCommit.
func (g *FakeGitRepo) SetHead(hash string) {
	g.head = hash
}

// Discover returns the predetermined root.
func (g *FakeGitRepo) Discover(cwd string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.root, nil
}

// RelPath computes the relative path (works like real implementation).
func (g *FakeGitRepo) RelPath(root, absPath string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return relPath(root, absPath)
}

// DirtyFiles returns the configured dirty files that fall under dir.
func (g *FakeGitRepo) DirtyFiles(dir string) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	prefix, err := relPath(g.root, dir)
	if err != nil {
		return nil, err
	}
	prefix = filepath.ToSlash(prefix)

	var out []string
	for _, f := range g.dirty {
		if underDir(f, prefix) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

// HeadCommit returns the predetermined commit.
func (g *FakeGitRepo) HeadCommit(dir string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.head, nil
}
