package repoconfig

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultCredentialsPath is where CredentialsManager looks for its config
// when none is given.
const DefaultCredentialsPath = ".kiln/credentials.yaml"

// DefaultCredentialDestination is the filename a credential is copied to
// inside a worktree when an entry doesn't override it.
const DefaultCredentialDestination = ".env"

// CredentialEntry is one repository's credential mapping.
type CredentialEntry struct {
	Title          string
	Repo           string // host/owner/repo
	CredentialPath string // absolute path to the source file
	Destination    string // path within the worktree, relative
}

type credentialsFile struct {
	Repositories []struct {
		Title          string `yaml:"title"`
		URL            string `yaml:"repo_url"`
		CredentialPath string `yaml:"credential_path"`
		Destination    string `yaml:"destination"`
	} `yaml:"repositories"`
}

// CredentialsManager loads .kiln/credentials.yaml and copies the credential
// file matching a repo into a worktree before a workflow runs there, so
// repo-specific secrets (e.g. a service .env) never need to live in the
// tracked repository itself.
type CredentialsManager struct {
	Path string

	mu      sync.Mutex
	entries map[string]CredentialEntry
	loaded  bool
}

// NewCredentialsManager builds a manager reading from path, or
// DefaultCredentialsPath when path is empty.
func NewCredentialsManager(path string) *CredentialsManager {
	if path == "" {
		path = DefaultCredentialsPath
	}
	return &CredentialsManager{Path: path}
}

// Load parses the credentials file, validating that every credential_path
// is absolute. Loading is idempotent: a second call is a no-op unless the
// first never ran.
func (m *CredentialsManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *CredentialsManager) load() error {
	if m.loaded {
		return nil
	}
	var raw credentialsFile
	ok, err := readYAML(m.Path, &raw)
	if err != nil {
		return err
	}
	entries := make(map[string]CredentialEntry)
	if ok {
		for i, r := range raw.Repositories {
			if r.Title == "" || r.URL == "" || r.CredentialPath == "" {
				return fmt.Errorf("credentials entry %d missing required title/repo_url/credential_path", i)
			}
			if !filepath.IsAbs(r.CredentialPath) {
				return fmt.Errorf("credentials entry %d (%s) credential_path must be absolute, got %q", i, r.Title, r.CredentialPath)
			}
			key, err := ParseRepoKey(r.URL)
			if err != nil {
				return fmt.Errorf("credentials entry %d (%s): %w", i, r.Title, err)
			}
			dest := r.Destination
			if dest == "" {
				dest = DefaultCredentialDestination
			}
			entries[strings.ToLower(key)] = CredentialEntry{
				Title:          r.Title,
				Repo:           key,
				CredentialPath: r.CredentialPath,
				Destination:    dest,
			}
		}
	}
	m.entries = entries
	m.loaded = true
	return nil
}

// Get returns repo's credential entry, if any.
func (m *CredentialsManager) Get(repo string) (CredentialEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(); err != nil {
		return CredentialEntry{}, false
	}
	entry, ok := m.entries[strings.ToLower(repo)]
	return entry, ok
}

// CopyToWorktree copies repo's matching credential file into worktreePath,
// at its configured destination. It returns ("", nil) when no entry matches
// or the source file does not exist — a missing credential mapping is not
// an error, since most repos have none.
func (m *CredentialsManager) CopyToWorktree(worktreePath, repo string) (string, error) {
	entry, ok := m.Get(repo)
	if !ok {
		return "", nil
	}
	src, err := os.Open(entry.CredentialPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("opening credential file %s: %w", entry.CredentialPath, err)
	}
	defer src.Close()

	destPath := filepath.Join(worktreePath, entry.Destination)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("creating destination directory for %s: %w", destPath, err)
	}
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copying credential to %s: %w", destPath, err)
	}
	abs, err := filepath.Abs(destPath)
	if err != nil {
		return destPath, nil
	}
	return abs, nil
}
