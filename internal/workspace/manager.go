package workspace

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kiln-daemon/kiln/internal/gitops"
	"github.com/kiln-daemon/kiln/internal/shell"
)

// CloneFunc resolves the clone URL (with embedded or ambient credentials)
// for a tracked repository. The manager calls it only when no local mirror
// exists yet.
type CloneFunc func(ctx context.Context, ref RepoRef) (string, error)

// CredentialsCopier copies repo's configured credential file (e.g. a
// service .env) into worktreePath, returning its destination path, or ""
// when repo has no matching entry. Satisfied by
// internal/repoconfig.CredentialsManager; kept as a small interface here so
// workspace never imports repoconfig directly.
type CredentialsCopier interface {
	CopyToWorktree(worktreePath, repo string) (string, error)
}

// Manager owns the lifecycle of per-issue worktrees under HomeDir. All
// filesystem operations for a given issue are serialized through its
// per-issue lock; operations across issues proceed in parallel. Git
// operations that touch shared repository state are serialized globally by
// internal/gitops.Mutex, independent of issue.
type Manager struct {
	HomeDir   string
	Clone     CloneFunc
	GitName   string
	GitEmail  string
	AuxConfig string // e.g. ".kiln/mcp-config.json", relative to the repo mirror root

	// Credentials, when set, copies a repo-specific credential file into
	// every worktree it is prepared for. Nil disables the feature outright.
	Credentials CredentialsCopier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func (m *Manager) lockFor(ref IssueRef) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	l, ok := m.locks[ref.key()]
	if !ok {
		l = &sync.Mutex{}
		m.locks[ref.key()] = l
	}
	return l
}

// EnsureForIssue creates, or reuses, the workspace for ref: the branch
// `<issue_number>-<slug>` (reused if it already exists locally or on
// origin) and a worktree at the canonical path. It returns the worktree
// path.
func (m *Manager) EnsureForIssue(ctx context.Context, ref IssueRef, title, baseBranch string) (string, error) {
	lock := m.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	mirror, err := m.ensureMirror(ctx, ref.RepoRef)
	if err != nil {
		return "", fmt.Errorf("ensuring repo mirror: %w", err)
	}

	wsPath := Path(m.HomeDir, ref)
	if existing, err := readMeta(wsPath); err == nil {
		if _, statErr := os.Stat(wsPath); statErr == nil {
			if err := m.refreshAuxConfig(mirror, wsPath, existing); err != nil {
				return "", err
			}
			return wsPath, m.copyCredentials(wsPath, ref.RepoRef)
		}
	}

	if err := os.MkdirAll(wsPath, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace directory: %w", err)
	}

	branch := BranchName(ref.Number, title)
	if err := gitops.FetchBranch(ctx, &shell.Runner{Dir: mirror}, baseBranch); err != nil {
		// A local-only mirror (no configured remote) is not fatal: AddWorktree
		// falls back to the local base ref.
		_ = err
	}
	if err := gitops.AddWorktree(ctx, mirror, branch, baseBranch, wsPath); err != nil {
		os.RemoveAll(wsPath)
		return "", fmt.Errorf("creating worktree: %w", err)
	}

	wsRunner := &shell.Runner{Dir: wsPath}
	if m.GitName != "" {
		if err := gitops.ConfigureGitIdentity(ctx, wsRunner, m.GitName, m.GitEmail); err != nil {
			return "", fmt.Errorf("configuring git identity: %w", err)
		}
	}

	if err := gitops.CopyKilnConfig(mirror, wsPath); err != nil {
		return "", fmt.Errorf("copying .kiln config: %w", err)
	}
	if m.AuxConfig != "" {
		if err := gitops.CopyAuxConfig(mirror, wsPath, m.AuxConfig, ".kiln-mcp.json"); err != nil {
			return "", fmt.Errorf("copying auxiliary tool config: %w", err)
		}
	}

	if err := writeMeta(wsPath, meta{Branch: branch, CreatedAt: time.Now()}); err != nil {
		return "", fmt.Errorf("writing workspace metadata: %w", err)
	}

	return wsPath, m.copyCredentials(wsPath, ref.RepoRef)
}

// copyCredentials copies repo's configured credential file into wsPath, a
// no-op when Credentials is nil or repo has no matching entry.
func (m *Manager) copyCredentials(wsPath string, repo RepoRef) error {
	if m.Credentials == nil {
		return nil
	}
	if _, err := m.Credentials.CopyToWorktree(wsPath, repo.String()); err != nil {
		return fmt.Errorf("copying repo credentials: %w", err)
	}
	return nil
}

// refreshAuxConfig re-copies the auxiliary tool config into an already
// existing workspace — cheap, and keeps a resumed workspace's MCP config in
// sync with the repo's current one without touching the worktree's git state.
func (m *Manager) refreshAuxConfig(mirror, wsPath string, _ *meta) error {
	if m.AuxConfig == "" {
		return nil
	}
	return gitops.CopyAuxConfig(mirror, wsPath, m.AuxConfig, ".kiln-mcp.json")
}

// ensureMirror clones the repo's local mirror on first use and returns its
// path. An existing mirror is reused as-is; EnsureForIssue's own
// gitops.FetchBranch call keeps it current.
func (m *Manager) ensureMirror(ctx context.Context, ref RepoRef) (string, error) {
	mirror := RepoMirrorPath(m.HomeDir, ref)
	if _, err := os.Stat(mirror); err == nil {
		return mirror, nil
	}

	if m.Clone == nil {
		return "", fmt.Errorf("no mirror at %s and no clone function configured", mirror)
	}
	url, err := m.Clone(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving clone url: %w", err)
	}

	if err := os.MkdirAll(mirror, 0o755); err != nil {
		return "", fmt.Errorf("creating mirror directory: %w", err)
	}
	r := &shell.Runner{}
	if _, err := r.Run(ctx, "git", "clone", url, mirror); err != nil {
		os.RemoveAll(mirror)
		return "", fmt.Errorf("cloning %s: %w", ref.Repo, err)
	}
	return mirror, nil
}

// CleanupForIssue removes the worktree for ref and deletes its local
// branch when force is true (the `reset` caller) or the branch is fully
// merged into baseBranch. It is safe to call on an already-cleaned-up
// issue: a missing workspace directory is not an error.
func (m *Manager) CleanupForIssue(ctx context.Context, ref IssueRef, baseBranch string, force bool) error {
	lock := m.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	wsPath := Path(m.HomeDir, ref)
	info, err := readMeta(wsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading workspace metadata: %w", err)
	}

	mirror := RepoMirrorPath(m.HomeDir, ref.RepoRef)
	mirrorRunner := &shell.Runner{Dir: mirror}

	if _, statErr := os.Stat(wsPath); statErr == nil {
		if err := gitops.RemoveWorktree(ctx, mirror, wsPath); err != nil {
			return fmt.Errorf("removing worktree: %w", err)
		}
	}

	if err := os.RemoveAll(wsPath); err != nil {
		return fmt.Errorf("removing workspace directory: %w", err)
	}

	shouldDeleteBranch := force
	if !shouldDeleteBranch {
		merged, err := gitops.IsAncestor(ctx, mirrorRunner, info.Branch, baseBranch)
		if err == nil {
			shouldDeleteBranch = merged
		}
	}
	if shouldDeleteBranch {
		_ = gitops.DeleteBranch(ctx, mirrorRunner, info.Branch)
	}

	return nil
}
