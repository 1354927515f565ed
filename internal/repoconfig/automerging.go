package repoconfig

import (
	"fmt"
	"strings"
)

// DefaultAutoMergingPath is where Manager looks for the auto-merge config
// when the engine doesn't override it.
const DefaultAutoMergingPath = ".kiln/auto-merging.yaml"

// DefaultMergeMethod is applied to an entry that omits merge_method.
const DefaultMergeMethod = "squash"

var validMergeMethods = map[string]bool{"merge": true, "squash": true, "rebase": true}

// AutoMergingEntry is one repository's auto-merge settings.
type AutoMergingEntry struct {
	Repo        string
	Enabled     bool
	MergeMethod string
}

type autoMergingFile struct {
	Repos []struct {
		URL         string `yaml:"url"`
		Enabled     bool   `yaml:"enabled"`
		MergeMethod string `yaml:"merge_method"`
	} `yaml:"repos"`
}

// AutoMergingManager loads and caches .kiln/auto-merging.yaml.
type AutoMergingManager struct {
	Path    string
	entries map[string]AutoMergingEntry
	loaded  bool
}

// NewAutoMergingManager builds a manager reading from path, or
// DefaultAutoMergingPath if path is empty.
func NewAutoMergingManager(path string) *AutoMergingManager {
	if path == "" {
		path = DefaultAutoMergingPath
	}
	return &AutoMergingManager{Path: path}
}

// Load reads and parses the config file, replacing any previously cached
// entries. A missing or empty file is not an error.
func (m *AutoMergingManager) Load() error {
	var file autoMergingFile
	ok, err := readYAML(m.Path, &file)
	if err != nil {
		return err
	}
	entries := make(map[string]AutoMergingEntry)
	if ok {
		for i, r := range file.Repos {
			if r.URL == "" {
				return fmt.Errorf("auto-merging repo entry %d is missing required field %q", i, "url")
			}
			key, err := ParseRepoKey(r.URL)
			if err != nil {
				return fmt.Errorf("auto-merging repo entry %d has invalid url: %w", i, err)
			}
			method := r.MergeMethod
			if method == "" {
				method = DefaultMergeMethod
			}
			if !validMergeMethods[method] {
				return fmt.Errorf("auto-merging repo entry %d has invalid merge_method %q", i, method)
			}
			entries[strings.ToLower(key)] = AutoMergingEntry{
				Repo:        key,
				Enabled:     r.Enabled,
				MergeMethod: method,
			}
		}
	}
	m.entries = entries
	m.loaded = true
	return nil
}

// Get returns repo's (host/owner/repo) auto-merging settings, loading the
// config file on first use.
func (m *AutoMergingManager) Get(repo string) (entry AutoMergingEntry, ok bool) {
	if !m.loaded {
		if err := m.Load(); err != nil {
			return AutoMergingEntry{}, false
		}
	}
	entry, ok = m.entries[strings.ToLower(repo)]
	return entry, ok
}

// Enabled reports whether repo has auto-merge turned on. Satisfies
// internal/reconciler.AutoMergeGate.
func (m *AutoMergingManager) Enabled(repo string) bool {
	entry, ok := m.Get(repo)
	return ok && entry.Enabled
}
