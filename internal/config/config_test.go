package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/kiln-daemon/kiln/internal/workflow"
)

func withEnv(t *testing.T, kv map[string]string) {
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		"GITHUB_TOKEN":     "ghp_test",
		"PROJECT_URLS":     "https://github.com/orgs/acme/projects/1",
		"ALLOWED_USERNAME": "octocat",
	}
}

func TestLoad_MinimalEnv_AppliesDefaults(t *testing.T) {
	withEnv(t, baseEnv())
	t.Setenv("CONFIG", filepath.Join(t.TempDir(), "does-not-exist"))

	fs := pflag.NewFlagSet("kiln", pflag.ContinueOnError)
	BindFlags(fs)
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Token != "ghp_test" {
		t.Errorf("Token = %q, want ghp_test", cfg.Token)
	}
	if cfg.PollInterval.Seconds() != 30 {
		t.Errorf("PollInterval = %v, want 30s default", cfg.PollInterval)
	}
	if cfg.MaxConcurrentWorkflows != 3 {
		t.Errorf("MaxConcurrentWorkflows = %d, want 3 default", cfg.MaxConcurrentWorkflows)
	}
	if len(cfg.WatchedStatuses) != 3 {
		t.Errorf("WatchedStatuses = %v, want 3 defaults", cfg.WatchedStatuses)
	}
	if cfg.ExecutorBin != "claude" {
		t.Errorf("ExecutorBin = %q, want claude default", cfg.ExecutorBin)
	}
}

func TestLoad_ConfigFile_LowerPriorityThanEnv(t *testing.T) {
	env := baseEnv()
	env["POLL_INTERVAL"] = "45"
	withEnv(t, env)

	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	content := "POLL_INTERVAL=99\nMAX_CONCURRENT_WORKFLOWS=7\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG", path)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval.Seconds() != 45 {
		t.Errorf("PollInterval = %v, want env override (45s) over file (99s)", cfg.PollInterval)
	}
	if cfg.MaxConcurrentWorkflows != 7 {
		t.Errorf("MaxConcurrentWorkflows = %d, want file value (7) since no env override set", cfg.MaxConcurrentWorkflows)
	}
}

func TestLoad_Flag_HighestPriority(t *testing.T) {
	env := baseEnv()
	env["POLL_INTERVAL"] = "45"
	withEnv(t, env)

	fs := pflag.NewFlagSet("kiln", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Set("poll-interval", "12"); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval.Seconds() != 12 {
		t.Errorf("PollInterval = %v, want flag override (12s)", cfg.PollInterval)
	}
}

func TestLoad_MissingCredentials_ReturnsError(t *testing.T) {
	t.Setenv("PROJECT_URLS", "https://github.com/orgs/acme/projects/1")
	t.Setenv("ALLOWED_USERNAME", "octocat")
	t.Setenv("GITHUB_TOKEN", "")

	_, err := Load(nil)
	if err == nil || !strings.Contains(err.Error(), "GITHUB_TOKEN") {
		t.Fatalf("expected missing-credentials error, got %v", err)
	}
}

func TestLoad_TokenAndAppBothSet_ReturnsError(t *testing.T) {
	withEnv(t, baseEnv())
	t.Setenv("GITHUB_APP_ID", "123")
	t.Setenv("GITHUB_INSTALLATION_ID", "456")
	t.Setenv("GITHUB_PRIVATE_KEY_PATH", "/tmp/key.pem")

	_, err := Load(nil)
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually-exclusive error, got %v", err)
	}
}

func TestLoad_AppCredentials_IncompleteTriple_ReturnsError(t *testing.T) {
	t.Setenv("PROJECT_URLS", "https://github.com/orgs/acme/projects/1")
	t.Setenv("ALLOWED_USERNAME", "octocat")
	t.Setenv("GITHUB_APP_ID", "123")

	_, err := Load(nil)
	if err == nil || !strings.Contains(err.Error(), "GITHUB_APP_ID requires") {
		t.Fatalf("expected incomplete-triple error, got %v", err)
	}
}

func TestLoad_StageModels_ParsesCommaSeparatedPairs(t *testing.T) {
	withEnv(t, baseEnv())
	t.Setenv("STAGE_MODELS", "research=claude-haiku, plan=claude-sonnet,implement=claude-opus")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := map[workflow.Stage]string{
		workflow.Research:  "claude-haiku",
		workflow.Plan:      "claude-sonnet",
		workflow.Implement: "claude-opus",
	}
	for stage, model := range want {
		if cfg.StageModels[stage] != model {
			t.Errorf("StageModels[%s] = %q, want %q", stage, cfg.StageModels[stage], model)
		}
	}
}

func TestLoad_StageModels_RejectsMalformedEntry(t *testing.T) {
	withEnv(t, baseEnv())
	t.Setenv("STAGE_MODELS", "research")

	_, err := Load(nil)
	if err == nil || !strings.Contains(err.Error(), "STAGE_MODELS") {
		t.Fatalf("expected STAGE_MODELS parse error, got %v", err)
	}
}

func TestLoad_CommaSeparatedLists_TrimWhitespace(t *testing.T) {
	env := baseEnv()
	env["PROJECT_URLS"] = " https://github.com/orgs/acme/projects/1 , https://github.com/orgs/acme/projects/2 "
	env["USERNAMES_TEAM"] = "alice, bob ,carol"
	withEnv(t, env)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ProjectURLs) != 2 {
		t.Fatalf("ProjectURLs = %v, want 2 entries", cfg.ProjectURLs)
	}
	if len(cfg.TeamUsernames) != 3 || cfg.TeamUsernames[1] != "bob" {
		t.Fatalf("TeamUsernames = %v, want [alice bob carol]", cfg.TeamUsernames)
	}
}

func TestStageModelOrDefault(t *testing.T) {
	models := map[workflow.Stage]string{workflow.Research: "claude-haiku"}
	if got := StageModelOrDefault(models, workflow.Research, "fallback"); got != "claude-haiku" {
		t.Errorf("got %q, want claude-haiku", got)
	}
	if got := StageModelOrDefault(models, workflow.Plan, "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestValidateMinimumScope_NoAppConfigured_IsNoOp(t *testing.T) {
	if err := ValidateMinimumScope(nil, GitHubApp{}, ""); err != nil { //nolint:staticcheck // nil ctx ok for a no-op path
		t.Errorf("expected no-op for unconfigured App, got %v", err)
	}
}
