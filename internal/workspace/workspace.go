// Package workspace manages the per-issue Git worktrees the workflow
// engine executes against: one directory and branch per issue, created
// lazily by the Prepare stage and torn down once the issue reaches its
// terminal column or is reset.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// RepoRef identifies a tracked repository on a ticket-tracker host.
type RepoRef struct {
	Host  string
	Owner string
	Repo  string
}

// String renders the repo ref in host/owner/repo form, the repository key
// format the .kiln/*.yaml per-repo config files use.
func (r RepoRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Host, r.Owner, r.Repo)
}

// IssueRef identifies a single issue within a tracked repository.
type IssueRef struct {
	RepoRef
	Number int
}

// String renders the issue ref the way it appears in log lines and run
// labels: host/owner/repo#number.
func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s/%s#%d", r.Host, r.Owner, r.Repo, r.Number)
}

// key returns a filesystem- and map-safe identifier for the issue, used
// both as the per-issue lock key and as a path segment.
func (r IssueRef) key() string {
	return fmt.Sprintf("%s/%s/%s/%d", r.Host, r.Owner, r.Repo, r.Number)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 32

// Slugify lowercases s, collapses runs of non-alphanumeric characters to a
// single hyphen, and trims the result to maxSlugLen, matching the
// `<issue_number>-<slug>` branch naming rule.
func Slugify(s string) string {
	slug := nonAlnum.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "issue"
	}
	return slug
}

// BranchName derives the branch name for an issue from its number and
// title: `<number>-<slug>`.
func BranchName(number int, title string) string {
	return fmt.Sprintf("%d-%s", number, Slugify(title))
}

// Path returns the canonical worktree directory for an issue:
// <homeDir>/workspaces/<host>/<owner>/<repo>/<issue>/
func Path(homeDir string, ref IssueRef) string {
	return filepath.Join(homeDir, "workspaces", ref.Host, ref.Owner, ref.Repo, fmt.Sprint(ref.Number))
}

// RepoMirrorPath returns the local clone kiln maintains for a tracked
// repository, which worktrees are created from. It lives outside
// workspaces/ so it is never itself mistaken for a per-issue worktree.
func RepoMirrorPath(homeDir string, ref RepoRef) string {
	return filepath.Join(homeDir, ".kiln", "repos", ref.Host, ref.Owner, ref.Repo)
}

// meta is the small per-workspace metadata file recording the branch a
// workspace was created on, so CleanupForIssue can delete the right branch
// without needing to recompute a title-derived slug it was never given.
type meta struct {
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"createdAt"`
}

const metaFileName = ".kiln-workspace.json"

func readMeta(workspacePath string) (*meta, error) {
	data, err := os.ReadFile(filepath.Join(workspacePath, metaFileName))
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metaFileName, err)
	}
	return &m, nil
}

func writeMeta(workspacePath string, m meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", metaFileName, err)
	}
	return os.WriteFile(filepath.Join(workspacePath, metaFileName), data, 0o644)
}
