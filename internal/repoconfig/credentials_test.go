package repoconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialsManager_NoFile_NoCopy(t *testing.T) {
	m := NewCredentialsManager(filepath.Join(t.TempDir(), "missing.yaml"))
	dest, err := m.CopyToWorktree(t.TempDir(), "github.com/acme/widgets")
	if err != nil {
		t.Fatalf("CopyToWorktree: %v", err)
	}
	if dest != "" {
		t.Errorf("expected no destination, got %q", dest)
	}
}

func TestCredentialsManager_CopiesMatchingRepo(t *testing.T) {
	dir := t.TempDir()
	credPath := filepath.Join(dir, "widgets.env")
	if err := os.WriteFile(credPath, []byte("SECRET=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "credentials.yaml")
	yaml := `
repositories:
  - title: Widgets service
    repo_url: https://github.com/acme/widgets
    credential_path: ` + credPath + `
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewCredentialsManager(cfgPath)
	worktree := t.TempDir()
	dest, err := m.CopyToWorktree(worktree, "github.com/acme/widgets")
	if err != nil {
		t.Fatalf("CopyToWorktree: %v", err)
	}
	if dest == "" {
		t.Fatal("expected a non-empty destination path")
	}
	data, err := os.ReadFile(filepath.Join(worktree, ".env"))
	if err != nil {
		t.Fatalf("reading copied credential: %v", err)
	}
	if string(data) != "SECRET=1\n" {
		t.Errorf("copied content = %q", data)
	}
}

func TestCredentialsManager_CustomDestination(t *testing.T) {
	dir := t.TempDir()
	credPath := filepath.Join(dir, "widgets.env")
	if err := os.WriteFile(credPath, []byte("SECRET=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "credentials.yaml")
	yaml := `
repositories:
  - title: Widgets service
    repo_url: https://github.com/acme/widgets
    credential_path: ` + credPath + `
    destination: config/service.env
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewCredentialsManager(cfgPath)
	worktree := t.TempDir()
	if _, err := m.CopyToWorktree(worktree, "github.com/acme/widgets"); err != nil {
		t.Fatalf("CopyToWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(worktree, "config", "service.env")); err != nil {
		t.Errorf("expected file at custom destination: %v", err)
	}
}

func TestCredentialsManager_NoMatchingEntry_NoCopy(t *testing.T) {
	dir := t.TempDir()
	credPath := filepath.Join(dir, "widgets.env")
	if err := os.WriteFile(credPath, []byte("SECRET=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "credentials.yaml")
	yaml := `
repositories:
  - title: Widgets service
    repo_url: https://github.com/acme/widgets
    credential_path: ` + credPath + `
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewCredentialsManager(cfgPath)
	dest, err := m.CopyToWorktree(t.TempDir(), "github.com/acme/gadgets")
	if err != nil {
		t.Fatalf("CopyToWorktree: %v", err)
	}
	if dest != "" {
		t.Errorf("expected no copy for an unconfigured repo, got %q", dest)
	}
}

func TestCredentialsManager_RelativeCredentialPath_Errors(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "credentials.yaml")
	yaml := `
repositories:
  - title: Widgets service
    repo_url: https://github.com/acme/widgets
    credential_path: relative/path.env
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewCredentialsManager(cfgPath)
	if err := m.Load(); err == nil {
		t.Error("expected an error for a non-absolute credential_path")
	}
}
