// Package workflow describes the five stages of the pipeline — Prepare,
// Research, Plan, Implement, ProcessComments — as tagged variants carrying
// static policy, and implements the four-phase Acquire/Prepare/Invoke/Settle
// procedure common to all of them.
package workflow

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kiln-daemon/kiln/internal/db"
	"github.com/kiln-daemon/kiln/internal/executor"
	"github.com/kiln-daemon/kiln/internal/telemetry"
	"github.com/kiln-daemon/kiln/internal/ticket"
	"github.com/kiln-daemon/kiln/internal/workspace"
)

// Stage is the closed set of pipeline stages.
type Stage string

const (
	Prepare         Stage = "prepare"
	Research        Stage = "research"
	Plan            Stage = "plan"
	Implement       Stage = "implement"
	ProcessComments Stage = "process_comments"
)

// Definition is a stage's static policy: the labels it reads and writes,
// its prompt template, and its default model.
type Definition struct {
	Stage Stage `yaml:"stage"`

	RunningLabel string `yaml:"running_label"`
	ReadyLabel   string `yaml:"ready_label"`
	FailedLabel  string `yaml:"failed_label"`

	PromptTemplate string `yaml:"prompt_template"`
	DefaultModel   string `yaml:"default_model"`

	// column is the watched board column this stage is triggered from; the
	// ProcessComments stage is not column-bound (spec §4.3) and leaves this
	// empty.
	Column string `yaml:"column"`
}

//go:embed templates.yaml
var embeddedTemplates embed.FS

// Registry maps every stage to its Definition.
type Registry map[Stage]Definition

// LoadRegistry parses the embedded templates.yaml table into a Registry.
func LoadRegistry() (Registry, error) {
	data, err := embeddedTemplates.ReadFile("templates.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading embedded templates: %w", err)
	}
	var raw struct {
		Stages []Definition `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing templates.yaml: %w", err)
	}
	reg := make(Registry, len(raw.Stages))
	for _, d := range raw.Stages {
		reg[d.Stage] = d
	}
	return reg, nil
}

// PromptData is substituted into a stage's PromptTemplate.
type PromptData struct {
	IssueRef ticket.IssueRef
	Title    string
	Body     string
	Extra    map[string]string // e.g. the comment body for ProcessComments
}

// Render materializes def's prompt template against data.
func (def Definition) Render(data PromptData) (string, error) {
	tpl, err := template.New(string(def.Stage)).Parse(def.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing prompt template for %s: %w", def.Stage, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt template for %s: %w", def.Stage, err)
	}
	return buf.String(), nil
}

// Environment threads the dependencies Execute needs, injected once at
// daemon construction — no package-level state.
type Environment struct {
	Ticket    ticket.Client
	DB        *db.DB
	Workspace *workspace.Manager
	Executor  *executor.Runner

	// Slack, when non-nil, is notified when an issue reaches a phase's
	// final destination (§2.7 supplement). Nil disables the notification
	// outright, same as an unconfigured PagerDuty.
	Slack *telemetry.Slack

	ExecutorBin   string
	AuxConfigPath string
	LogRoot       string // base of ./.kiln/logs/<host>/<owner>/<repo>/<issue>/
	BaseBranch    string

	// VerifyImplement, when set, is called after a successful Implement
	// subprocess exit to confirm a linked pull request now exists; a
	// non-nil error demotes the run to failure (§4.3 Implement policy).
	VerifyImplement func(ctx context.Context, t ticket.Client, ref ticket.IssueRef) error
}

// Outcome is the settled result of one Execute call.
type Outcome struct {
	RunID     string
	DBOutcome db.Outcome
	SessionID string
	LogPath   string
}

// Execute runs the uniform four-phase procedure for def against ref:
// Acquire (running label + Run row), Prepare workspace, Invoke executor,
// Settle (terminal label + Run row update).
func (env Environment) Execute(ctx context.Context, def Definition, ref ticket.IssueRef, data PromptData) (Outcome, error) {
	logPath := env.logPath(ref, def.Stage)

	// 1. Acquire
	if err := env.Ticket.AddLabel(ctx, ref, def.RunningLabel); err != nil {
		return Outcome{}, fmt.Errorf("acquiring %s: adding running label: %w", def.Stage, err)
	}
	runID, err := env.DB.StartRun(ref, string(def.Stage), logPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquiring %s: starting run: %w", def.Stage, err)
	}

	// 2. Prepare workspace
	wsPath, err := env.Workspace.EnsureForIssue(ctx, ref, data.Title, env.BaseBranch)
	if err != nil {
		return env.settleFailure(ctx, def, ref, runID, logPath, fmt.Errorf("preparing workspace: %w", err))
	}

	// 3. Invoke executor
	model := def.DefaultModel
	session, _ := env.DB.SessionFor(ref, string(def.Stage))
	prompt, err := def.Render(data)
	if err != nil {
		return env.settleFailure(ctx, def, ref, runID, logPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return env.settleFailure(ctx, def, ref, runID, logPath, fmt.Errorf("creating log directory: %w", err))
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return env.settleFailure(ctx, def, ref, runID, logPath, fmt.Errorf("creating run log: %w", err))
	}
	defer logFile.Close()

	res, execErr := env.Executor.Run(ctx, executor.Invocation{
		Bin:           env.ExecutorBin,
		Model:         model,
		Prompt:        prompt,
		Dir:           wsPath,
		AuxConfigPath: env.AuxConfigPath,
		SessionID:     session.SessionID,
		Log:           logFile,
	})

	// 4. Settle
	if execErr == nil && def.Stage == Implement && env.VerifyImplement != nil {
		execErr = env.VerifyImplement(ctx, env.Ticket, ref)
	}
	if execErr != nil {
		return env.settleFailure(ctx, def, ref, runID, logPath, execErr, res.SessionID)
	}
	return env.settleSuccess(ctx, def, ref, runID, logPath, res.SessionID)
}

func (env Environment) settleSuccess(ctx context.Context, def Definition, ref ticket.IssueRef, runID, logPath, sessionID string) (Outcome, error) {
	if err := env.Ticket.AddLabel(ctx, ref, def.ReadyLabel); err != nil {
		return Outcome{}, fmt.Errorf("settling %s: adding ready label: %w", def.Stage, err)
	}
	if err := env.Ticket.RemoveLabel(ctx, ref, def.RunningLabel); err != nil {
		return Outcome{}, fmt.Errorf("settling %s: removing running label: %w", def.Stage, err)
	}
	if err := env.DB.SettleRun(runID, db.OutcomeSuccess, sessionID); err != nil {
		return Outcome{}, fmt.Errorf("settling %s: recording run: %w", def.Stage, err)
	}
	if sessionID != "" {
		if err := env.DB.RecordSession(ref, string(def.Stage), sessionID); err != nil {
			return Outcome{}, fmt.Errorf("settling %s: recording session: %w", def.Stage, err)
		}
	}
	// Best-effort: the .session companion file is a convenience for finding
	// the executor conversation, not part of the run's correctness.
	_ = telemetry.WriteSessionFile(logPath, sessionID)
	return Outcome{RunID: runID, DBOutcome: db.OutcomeSuccess, SessionID: sessionID, LogPath: logPath}, nil
}

func (env Environment) settleFailure(ctx context.Context, def Definition, ref ticket.IssueRef, runID, logPath string, cause error, sessionID ...string) (Outcome, error) {
	sid := ""
	if len(sessionID) > 0 {
		sid = sessionID[0]
	}
	if err := env.Ticket.AddLabel(ctx, ref, def.FailedLabel); err != nil {
		return Outcome{}, fmt.Errorf("settling %s failure: adding failed label: %w", def.Stage, err)
	}
	if err := env.Ticket.RemoveLabel(ctx, ref, def.RunningLabel); err != nil {
		return Outcome{}, fmt.Errorf("settling %s failure: removing running label: %w", def.Stage, err)
	}
	if err := env.DB.SettleRun(runID, db.OutcomeFailure, sid); err != nil {
		return Outcome{}, fmt.Errorf("settling %s failure: recording run: %w", def.Stage, err)
	}
	return Outcome{RunID: runID, DBOutcome: db.OutcomeFailure, SessionID: sid, LogPath: logPath}, cause
}

func (env Environment) logPath(ref ticket.IssueRef, stage Stage) string {
	stamp := time.Now().UTC().Format("20060102-1504")
	dir := filepath.Join(env.LogRoot, ref.Host, ref.Owner, ref.Repo, fmt.Sprint(ref.Number))
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", stage, stamp))
}
