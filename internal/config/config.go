// Package config loads daemon configuration from CLI flags, environment
// variables, the ./.kiln/config key=value file, and built-in defaults, in
// that descending priority order, via spf13/viper. It also performs the
// minimum-scope startup check on a configured GitHub App installation.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kiln-daemon/kiln/internal/workflow"
)

// GitHubApp is the enterprise-triple credential set for App installation
// auth, mirroring internal/ticket/github.AppCredentials.
type GitHubApp struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Config is the fully-resolved daemon configuration. Every field has a
// defined default or is checked as required by validate.
type Config struct {
	// TicketClient credentials. Either Token is set, or App is fully
	// populated (AppID != 0); never both, per spec.md §6.
	Token string
	App   GitHubApp

	GHESBaseURL string // empty selects the public github.com API

	ProjectURLs []string

	AllowedUsername string
	TeamUsernames   []string

	PollInterval           time.Duration
	WatchedStatuses        []string
	MaxConcurrentWorkflows int
	StageModels            map[workflow.Stage]string

	GHESLogsMask bool
	OrgName      string

	ExecutorBin         string
	AuxConfigPath       string
	LogRoot             string
	BaseBranch          string
	DBPath              string
	PagerDutyRoutingKey string

	// SlackBotToken/SlackUserID enable the phase-completion DM integration
	// (§2.7 supplement); either empty disables it.
	SlackBotToken string
	SlackUserID   string

	// PRValidationConfigPath/AutoMergingConfigPath override where the
	// per-repo CI-gating and auto-merge YAML files are read from; empty
	// selects repoconfig's own defaults (.kiln/pr-validation.yaml,
	// .kiln/auto-merging.yaml).
	PRValidationConfigPath string
	AutoMergingConfigPath  string

	// CredentialsConfigPath overrides where the per-repo worktree credential
	// mapping is read from; empty selects repoconfig's own default
	// (.kiln/credentials.yaml).
	CredentialsConfigPath string

	// MCPStartupCheck, when true, probes every server in the --mcp-config
	// file (AuxConfigPath) for connectivity before the daemon starts
	// reconciling, refusing to start if any is unreachable.
	MCPStartupCheck bool
}

// configDefaults mirrors spec.md §6's built-in defaults layer, below the
// .kiln/config file and the environment in viper's precedence order.
var configDefaults = map[string]any{
	"poll_interval":            30,
	"max_concurrent_workflows": 3,
	"watched_statuses":         "Research,Plan,Implement",
	"base_branch":              "main",
	"log_root":                 "./.kiln/logs",
	"db_path":                  "./.kiln/kiln.db",
	"executor_bin":             "claude",
}

// BindFlags registers the CLI flags Load reads, at the priority spec.md §6
// gives them: above environment variables and the config file.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "./.kiln/config", "path to the key=value config file")
	fs.Int("poll-interval", 0, "seconds between reconciliation ticks")
	fs.Int("max-concurrent-workflows", 0, "dispatcher width")
	fs.String("github-token", "", "GitHub personal access token")
	fs.String("project-urls", "", "comma-separated GitHub Projects v2 URLs to watch")
	fs.String("allowed-username", "", "the one username fully authorized to drive the engine")
	fs.String("stage-models", "", "comma-separated stage=model overrides")
	fs.Bool("ghes-logs-mask", false, "redact the GHES hostname and org name from log output")
}

// Load resolves Config from fs's bound flags, the environment, the
// ./.kiln/config file, and built-in defaults, in that priority order. fs may
// be nil, in which case only the environment, file, and defaults apply.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for key, val := range configDefaults {
		v.SetDefault(key, val)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindEnv(v, "github_token", "github_app_id", "github_installation_id",
		"github_private_key_path", "github_base_url", "project_urls",
		"allowed_username", "usernames_team", "poll_interval",
		"watched_statuses", "max_concurrent_workflows", "stage_models",
		"ghes_logs_mask", "org_name", "executor_bin", "aux_config_path",
		"log_root", "base_branch", "db_path", "pagerduty_routing_key",
		"slack_bot_token", "slack_user_id", "pr_validation_config_path",
		"auto_merging_config_path", "credentials_config_path", "mcp_startup_check")

	if fs != nil {
		for flagName, key := range map[string]string{
			"config":                   "config",
			"poll-interval":            "poll_interval",
			"max-concurrent-workflows": "max_concurrent_workflows",
			"github-token":             "github_token",
			"project-urls":             "project_urls",
			"allowed-username":         "allowed_username",
			"stage-models":             "stage_models",
			"ghes-logs-mask":           "ghes_logs_mask",
		} {
			if flag := fs.Lookup(flagName); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("binding --%s: %w", flagName, err)
				}
			}
		}
	}

	if path := v.GetString("config"); path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			v.SetConfigType("env") // ./.kiln/config is a key=value dotenv file
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("reading %s: %w", path, err)
			}
		}
	}

	stageModels, err := parseStageModels(v.GetString("stage_models"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Token: v.GetString("github_token"),
		App: GitHubApp{
			AppID:          v.GetInt64("github_app_id"),
			InstallationID: v.GetInt64("github_installation_id"),
			PrivateKeyPath: v.GetString("github_private_key_path"),
		},
		GHESBaseURL:            v.GetString("github_base_url"),
		ProjectURLs:            splitCommaList(v.GetString("project_urls")),
		AllowedUsername:        v.GetString("allowed_username"),
		TeamUsernames:          splitCommaList(v.GetString("usernames_team")),
		PollInterval:           time.Duration(v.GetInt("poll_interval")) * time.Second,
		WatchedStatuses:        splitCommaList(v.GetString("watched_statuses")),
		MaxConcurrentWorkflows: v.GetInt("max_concurrent_workflows"),
		StageModels:            stageModels,
		GHESLogsMask:           v.GetBool("ghes_logs_mask"),
		OrgName:                v.GetString("org_name"),
		ExecutorBin:            v.GetString("executor_bin"),
		AuxConfigPath:          v.GetString("aux_config_path"),
		LogRoot:                v.GetString("log_root"),
		BaseBranch:             v.GetString("base_branch"),
		DBPath:                 v.GetString("db_path"),
		PagerDutyRoutingKey:    v.GetString("pagerduty_routing_key"),
		SlackBotToken:          v.GetString("slack_bot_token"),
		SlackUserID:            v.GetString("slack_user_id"),
		PRValidationConfigPath: v.GetString("pr_validation_config_path"),
		AutoMergingConfigPath:  v.GetString("auto_merging_config_path"),
		CredentialsConfigPath:  v.GetString("credentials_config_path"),
		MCPStartupCheck:        v.GetBool("mcp_startup_check"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Token == "" && c.App.AppID == 0 {
		return fmt.Errorf("config: one of GITHUB_TOKEN or the GitHub App enterprise triple is required")
	}
	if c.Token != "" && c.App.AppID != 0 {
		return fmt.Errorf("config: GITHUB_TOKEN and the GitHub App enterprise triple are mutually exclusive")
	}
	if c.App.AppID != 0 && (c.App.InstallationID == 0 || c.App.PrivateKeyPath == "") {
		return fmt.Errorf("config: GITHUB_APP_ID requires GITHUB_INSTALLATION_ID and GITHUB_PRIVATE_KEY_PATH")
	}
	if len(c.ProjectURLs) == 0 {
		return fmt.Errorf("config: PROJECT_URLS is required")
	}
	if c.AllowedUsername == "" {
		return fmt.Errorf("config: ALLOWED_USERNAME is required")
	}
	if c.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENT_WORKFLOWS must be positive, got %d", c.MaxConcurrentWorkflows)
	}
	return nil
}

// bindEnv binds a set of unprefixed environment variable keys, matching the
// exact names in spec.md §6's Configuration keys table.
func bindEnv(v *viper.Viper, keys ...string) {
	for _, k := range keys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
}

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseStageModels parses STAGE_MODELS: a comma-separated stage=model list,
// e.g. "research=claude-haiku,plan=claude-sonnet,implement=claude-opus".
func parseStageModels(s string) (map[workflow.Stage]string, error) {
	out := map[workflow.Stage]string{}
	for _, pair := range splitCommaList(s) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("config: invalid STAGE_MODELS entry %q, want stage=model", pair)
		}
		out[workflow.Stage(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

// StageModelOrDefault looks up stage's configured model override, falling
// back to a stage Definition's own DefaultModel when none was set.
func StageModelOrDefault(models map[workflow.Stage]string, stage workflow.Stage, fallback string) string {
	if m, ok := models[stage]; ok && m != "" {
		return m
	}
	return fallback
}

// minimumRequiredPermissions is the smallest GitHub App permission set the
// daemon needs: read/write on issues and pull requests to classify and
// settle workflow runs, repository content read/write for the executor's
// own commits, and metadata read. Anything else present on the installation
// (e.g. "administration": "write") is excess scope and fails
// ValidateMinimumScope, per spec.md §6's credential-scope-minimization
// requirement.
var minimumRequiredPermissions = map[string]string{
	"issues":        "write",
	"pull_requests": "write",
	"contents":      "write",
	"metadata":      "read",
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// ValidateMinimumScope queries app's installation once via a JWT-authenticated
// Apps client and aborts (returns a non-nil error) if its granted permissions
// exceed minimumRequiredPermissions. It is a no-op (returns nil) when app is
// not configured, i.e. the daemon is authenticating with a plain token.
func ValidateMinimumScope(ctx context.Context, app GitHubApp, baseURL string) error {
	if app.AppID == 0 {
		return nil
	}
	keyData, err := readKeyFile(app.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	if _, err := jwt.ParseRSAPrivateKeyFromPEM(keyData); err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}

	appsTransport, err := ghinstallation.NewAppsTransport(http.DefaultTransport, app.AppID, keyData)
	if err != nil {
		return fmt.Errorf("creating app JWT transport: %w", err)
	}
	if baseURL != "" {
		appsTransport.BaseURL = baseURL
	}
	client := gh.NewClient(&http.Client{Transport: appsTransport})
	if baseURL != "" {
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return fmt.Errorf("configuring enterprise URLs: %w", err)
		}
	}

	inst, _, err := client.Apps.GetInstallation(ctx, app.InstallationID)
	if err != nil {
		return fmt.Errorf("fetching installation %d: %w", app.InstallationID, err)
	}

	granted, err := permissionsToMap(inst.GetPermissions())
	if err != nil {
		return fmt.Errorf("decoding installation permissions: %w", err)
	}
	for perm, level := range granted {
		required, ok := minimumRequiredPermissions[perm]
		if !ok {
			return fmt.Errorf("config: installation grants unrequired permission %q=%q, narrow the App's permissions before starting kiln", perm, level)
		}
		if level == "write" && required == "read" {
			return fmt.Errorf("config: installation grants %q=write, only read is required, narrow the App's permissions before starting kiln", perm)
		}
	}
	return nil
}

// permissionsToMap round-trips go-github's InstallationPermissions struct
// through JSON into a plain map, since its field set grows with every new
// GitHub permission and a hardcoded struct-field switch would silently miss
// newly granted ones.
func permissionsToMap(perms *gh.InstallationPermissions) (map[string]string, error) {
	if perms == nil {
		return map[string]string{}, nil
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
