// Package repoconfig loads the per-repository YAML settings files kiln
// consults before an Implement PR counts as ready for Validate
// (.kiln/pr-validation.yaml) and before platform auto-merge is enabled on it
// (.kiln/auto-merging.yaml). Both files key their entries by repository URL
// and are loaded lazily, once, on first lookup.
package repoconfig

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseRepoKey normalizes a repository URL into its host/owner/repo key.
// Accepts a bare "host/owner/repo", a full "https://host/owner/repo" URL,
// trailing path segments like "/tree/main", and a ".git" suffix.
func ParseRepoKey(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("repo url cannot be empty")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("could not extract hostname from repo url %q", raw)
	}
	var segments []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) < 2 {
		return "", fmt.Errorf("repo url must contain at least owner/repo in the path, got %q", raw)
	}
	owner, repo := segments[0], strings.TrimSuffix(segments[1], ".git")
	return fmt.Sprintf("%s/%s/%s", u.Host, owner, repo), nil
}

// readYAML unmarshals path into out, returning ok=false (no error) when the
// file doesn't exist or is empty, matching both config loaders' "absent
// config is not an error" contract.
func readYAML(path string, out any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return false, nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}
