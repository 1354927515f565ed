package gitops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kiln-daemon/kiln/internal/shell"
)

// Mutex guards every git operation that mutates refs or the object
// database: worktree add/remove, branch create/delete, and fetch all take
// it. Read-only operations (BranchExistsLocally, IsAncestor, CurrentBranch)
// do not need to, since they never race with a concurrent write badly
// enough to corrupt state — only to return a stale answer.
var Mutex sync.Mutex

// BranchExistsLocally checks whether a branch exists in the local repo.
func BranchExistsLocally(ctx context.Context, r *shell.Runner, branch string) bool {
	_, err := r.Run(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// branchExistsRemotely checks whether origin/<branch> exists.
func branchExistsRemotely(ctx context.Context, r *shell.Runner, branch string) bool {
	_, err := r.Run(ctx, "git", "rev-parse", "--verify", "refs/remotes/origin/"+branch)
	return err == nil
}

// FetchBranch fetches origin/<branch> into the local repo.
func FetchBranch(ctx context.Context, r *shell.Runner, branch string) error {
	Mutex.Lock()
	defer Mutex.Unlock()
	_, err := r.Run(ctx, "git", "fetch", "origin", branch)
	if err != nil {
		return fmt.Errorf("fetching origin/%s: %w", branch, err)
	}
	return nil
}

// AddWorktree creates a worktree at worktreePath on the given branch. If the
// branch already exists, locally or on origin, it is checked out as-is —
// the resume path for a workspace recreated after a crash. Otherwise a new
// branch is created from origin/<base>, falling back to the local base ref
// when the repo has no configured remote.
func AddWorktree(ctx context.Context, repoPath, branch, base, worktreePath string) error {
	Mutex.Lock()
	defer Mutex.Unlock()

	r := &shell.Runner{Dir: repoPath}

	var err error
	if BranchExistsLocally(ctx, r, branch) || branchExistsRemotely(ctx, r, branch) {
		_, err = r.Run(ctx, "git", "worktree", "add", worktreePath, branch)
	} else {
		_, err = r.Run(ctx, "git", "worktree", "add", "-b", branch, worktreePath, "origin/"+base)
		if err != nil {
			_, err = r.Run(ctx, "git", "worktree", "add", "-b", branch, worktreePath, base)
		}
	}
	if err != nil {
		return fmt.Errorf("creating worktree for %s: %w", branch, err)
	}
	return nil
}

// RemoveWorktree removes a git worktree rooted at repoPath.
func RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	Mutex.Lock()
	defer Mutex.Unlock()

	r := &shell.Runner{Dir: repoPath}
	_, err := r.Run(ctx, "git", "worktree", "remove", "--force", worktreePath)
	if err != nil {
		return fmt.Errorf("removing worktree %s: %w", worktreePath, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func DeleteBranch(ctx context.Context, r *shell.Runner, branch string) error {
	Mutex.Lock()
	defer Mutex.Unlock()
	_, err := r.Run(ctx, "git", "branch", "-D", branch)
	if err != nil {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return nil
}

// IsAncestor returns true when ancestor is an ancestor of descendant — used
// to decide whether a workspace's branch is safe to delete as fully merged.
func IsAncestor(ctx context.Context, r *shell.Runner, ancestor, descendant string) (bool, error) {
	_, err := r.Run(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == 1 {
			return false, nil
		}
		return false, fmt.Errorf("checking ancestry: %w", err)
	}
	return true, nil
}

// CurrentBranch returns the name of the currently checked-out branch.
func CurrentBranch(ctx context.Context, r *shell.Runner) (string, error) {
	out, err := r.Run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ConfigureGitIdentity sets repo-local user.name and user.email in the
// given worktree, so commits made by the executor use the daemon's
// configured identity rather than whatever is globally configured.
func ConfigureGitIdentity(ctx context.Context, r *shell.Runner, name, email string) error {
	if _, err := r.Run(ctx, "git", "config", "user.name", name); err != nil {
		return fmt.Errorf("configuring git user.name: %w", err)
	}
	if _, err := r.Run(ctx, "git", "config", "user.email", email); err != nil {
		return fmt.Errorf("configuring git user.email: %w", err)
	}
	return nil
}

// kilnExcludePatterns are doublestar glob patterns for paths under .kiln/
// that must never be copied into a worktree: ephemeral daemon-local state
// that would otherwise recurse into the worktrees it describes.
var kilnExcludePatterns = []string{
	"workspaces/**",
	"logs/**",
	"db.sqlite*",
}

// CopyKilnConfig copies the repo-root .kiln/ directory into a worktree,
// skipping daemon-local state so the executor sees only shared config
// (prompt overrides, review checklists) inside its workspace.
func CopyKilnConfig(repoPath, worktreePath string) error {
	src := filepath.Join(repoPath, ".kiln")
	dst := filepath.Join(worktreePath, ".kiln")

	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		for _, pattern := range kilnExcludePatterns {
			matched, _ := doublestar.Match(pattern, filepath.ToSlash(rel))
			if matched {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// CopyAuxConfig copies a single auxiliary configuration file from the repo
// root into a worktree under a new name, a no-op when the source is
// absent. Used to stage the resolved MCP tool config for the executor.
func CopyAuxConfig(repoPath, worktreePath, srcName, dstName string) error {
	src := filepath.Join(repoPath, srcName)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", srcName, err)
	}
	dst := filepath.Join(worktreePath, dstName)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dstName, err)
	}
	return nil
}

// CopyGlobPatterns copies files matching glob patterns from srcDir to dstDir.
// Supports single-level wildcards (*.json), recursive wildcards (**/*.json),
// literal paths (scripts/setup.sh), and directory paths (copied recursively).
// Preserves relative path structure in the destination. Patterns that match
// nothing invoke the warn callback but do not error.
func CopyGlobPatterns(srcDir, dstDir string, patterns []string, warn func(string)) error {
	for _, pattern := range patterns {
		srcPath := filepath.Join(srcDir, pattern)

		info, err := os.Stat(srcPath)
		if err == nil && info.IsDir() {
			if err := copyDir(srcPath, filepath.Join(dstDir, pattern)); err != nil {
				return fmt.Errorf("copying directory %s: %w", pattern, err)
			}
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(srcDir), pattern)
		if err != nil {
			return fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}

		if len(matches) == 0 {
			warn(fmt.Sprintf("pattern %q matched no files", pattern))
			continue
		}

		for _, match := range matches {
			src := filepath.Join(srcDir, match)
			dst := filepath.Join(dstDir, match)

			info, err := os.Stat(src)
			if err != nil {
				return fmt.Errorf("stat %s: %w", src, err)
			}
			if info.IsDir() {
				continue
			}

			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", dst, err)
			}

			data, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("reading %s: %w", src, err)
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", dst, err)
			}
		}
	}
	return nil
}

// copyDir recursively copies a directory from src to dst.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
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
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
