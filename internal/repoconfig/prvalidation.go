package repoconfig

import (
	"fmt"
	"strings"
)

// DefaultPRValidationPath is where Manager looks for the CI-gating config
// when the engine doesn't override it.
const DefaultPRValidationPath = ".kiln/pr-validation.yaml"

// Defaults applied to an entry that omits them.
const (
	DefaultMaxFixAttempts    = 3
	DefaultValidationTimeout = 600 // seconds
)

// PRValidationEntry is one repository's CI-gating settings: whether an
// Implement PR must show passing checks before it counts as ready for
// Validate.
type PRValidationEntry struct {
	Repo                string
	ValidateBeforeReady bool
	MaxFixAttempts      int
	TimeoutSeconds      int
}

type prValidationFile struct {
	Repos []struct {
		URL                 string `yaml:"url"`
		ValidateBeforeReady bool   `yaml:"validate_before_ready"`
		MaxFixAttempts      int    `yaml:"max_fix_attempts"`
		Timeout             int    `yaml:"timeout"`
	} `yaml:"repos"`
}

// PRValidationManager loads and caches .kiln/pr-validation.yaml.
type PRValidationManager struct {
	Path    string
	entries map[string]PRValidationEntry
	loaded  bool
}

// NewPRValidationManager builds a manager reading from path, or
// DefaultPRValidationPath if path is empty.
func NewPRValidationManager(path string) *PRValidationManager {
	if path == "" {
		path = DefaultPRValidationPath
	}
	return &PRValidationManager{Path: path}
}

// Load reads and parses the config file, replacing any previously cached
// entries. A missing or empty file is not an error — it just leaves no
// repos configured.
func (m *PRValidationManager) Load() error {
	var file prValidationFile
	ok, err := readYAML(m.Path, &file)
	if err != nil {
		return err
	}
	entries := make(map[string]PRValidationEntry)
	if ok {
		for i, r := range file.Repos {
			if r.URL == "" {
				return fmt.Errorf("pr-validation repo entry %d is missing required field %q", i, "url")
			}
			key, err := ParseRepoKey(r.URL)
			if err != nil {
				return fmt.Errorf("pr-validation repo entry %d has invalid url: %w", i, err)
			}
			maxFix := r.MaxFixAttempts
			if maxFix == 0 {
				maxFix = DefaultMaxFixAttempts
			}
			timeout := r.Timeout
			if timeout == 0 {
				timeout = DefaultValidationTimeout
			}
			entries[strings.ToLower(key)] = PRValidationEntry{
				Repo:                key,
				ValidateBeforeReady: r.ValidateBeforeReady,
				MaxFixAttempts:      maxFix,
				TimeoutSeconds:      timeout,
			}
		}
	}
	m.entries = entries
	m.loaded = true
	return nil
}

// Get returns repo's (host/owner/repo) validation settings, loading the
// config file on first use. ok is false when the file has no entry for
// repo, or failed to load — either way the caller's default is "no gate".
func (m *PRValidationManager) Get(repo string) (entry PRValidationEntry, ok bool) {
	if !m.loaded {
		if err := m.Load(); err != nil {
			return PRValidationEntry{}, false
		}
	}
	entry, ok = m.entries[strings.ToLower(repo)]
	return entry, ok
}

// RequiresChecks reports whether repo's Implement PR must show a passing
// combined check status before the reconciler treats it as ready for
// Validate. Satisfies internal/reconciler.PRGate.
func (m *PRValidationManager) RequiresChecks(repo string) bool {
	entry, ok := m.Get(repo)
	return ok && entry.ValidateBeforeReady
}
