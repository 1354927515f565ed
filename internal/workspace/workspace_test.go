package workspace

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix login page crash", "fix-login-page-crash"},
		{"  leading/trailing spaces  ", "leading-trailing-spaces"},
		{"CAPS_and-dashes", "caps-and-dashes"},
		{"!!!", "issue"},
		{"", "issue"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSlugify_TrimsToMaxLen(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := Slugify(long)
	if len(got) > maxSlugLen {
		t.Errorf("slug length = %d, want <= %d", len(got), maxSlugLen)
	}
}

func TestBranchName(t *testing.T) {
	got := BranchName(123, "Fix login page crash")
	want := "123-fix-login-page-crash"
	if got != want {
		t.Errorf("BranchName = %q, want %q", got, want)
	}
}

func TestPath(t *testing.T) {
	ref := IssueRef{RepoRef: RepoRef{Host: "github.com", Owner: "acme", Repo: "widgets"}, Number: 42}
	got := Path("/home/kiln", ref)
	want := filepath.Join("/home/kiln", "workspaces", "github.com", "acme", "widgets", "42")
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestRepoMirrorPath(t *testing.T) {
	ref := RepoRef{Host: "github.com", Owner: "acme", Repo: "widgets"}
	got := RepoMirrorPath("/home/kiln", ref)
	want := filepath.Join("/home/kiln", ".kiln", "repos", "github.com", "acme", "widgets")
	if got != want {
		t.Errorf("RepoMirrorPath = %q, want %q", got, want)
	}
}

func TestIssueRef_String(t *testing.T) {
	ref := IssueRef{RepoRef: RepoRef{Host: "github.com", Owner: "acme", Repo: "widgets"}, Number: 42}
	got := ref.String()
	want := "github.com/acme/widgets#42"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
