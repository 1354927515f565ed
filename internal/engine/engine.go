// Package engine is the root composition: it wires ticket client, database,
// workspace manager, executor, dispatcher, and reconciler into the single
// object cmd/kiln constructs once and runs. No package holds global mutable
// state; everything flows through an Engine value.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiln-daemon/kiln/internal/config"
	"github.com/kiln-daemon/kiln/internal/db"
	"github.com/kiln-daemon/kiln/internal/dispatcher"
	"github.com/kiln-daemon/kiln/internal/executor"
	"github.com/kiln-daemon/kiln/internal/markedregion"
	"github.com/kiln-daemon/kiln/internal/reconciler"
	"github.com/kiln-daemon/kiln/internal/repoconfig"
	"github.com/kiln-daemon/kiln/internal/telemetry"
	"github.com/kiln-daemon/kiln/internal/ticket"
	githubticket "github.com/kiln-daemon/kiln/internal/ticket/github"
	"github.com/kiln-daemon/kiln/internal/workflow"
	"github.com/kiln-daemon/kiln/internal/workspace"
)

// Engine holds every long-lived dependency of the daemon.
type Engine struct {
	Config     config.Config
	Ticket     ticket.Client
	DB         *db.DB
	Logger     *slog.Logger
	Telemetry  *telemetry.Telemetry
	PagerDuty  *telemetry.PagerDuty
	Workspace  *workspace.Manager
	Executor   *executor.Runner
	Registry   workflow.Registry
	Dispatcher *dispatcher.Dispatcher
	Reconciler *reconciler.Reconciler
}

// New builds an Engine from cfg. It opens the database, constructs the
// GitHub ticket client (token or App installation auth, per cfg), and wires
// the dispatcher's Execute function to workflow.Environment.Execute plus
// the reset and column-move handlers classify can produce.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tel, err := telemetry.Init(telemetry.Config{
		ServiceName: "kiln",
		GHESHost:    ghesHostFor(cfg),
		OrgName:     cfg.OrgName,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	logger = slog.New(tel.WrapHandler(logger.Handler()))

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ticketClient, err := NewTicketClient(ctx, cfg)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("constructing ticket client: %w", err)
	}

	registry, err := workflow.LoadRegistry()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("loading workflow registry: %w", err)
	}

	for _, url := range cfg.ProjectURLs {
		if err := database.RefreshProjectCache(url, cfg.WatchedStatuses); err != nil {
			logger.Warn("refreshing project cache", "project", url, "error", err)
		}
	}

	ws := &workspace.Manager{
		HomeDir:     cfg.LogRoot,
		AuxConfig:   cfg.AuxConfigPath,
		Clone:       cloneURLResolver(cfg),
		Credentials: repoconfig.NewCredentialsManager(cfg.CredentialsConfigPath),
	}
	exec := executor.New()

	env := workflow.Environment{
		Ticket:        ticketClient,
		DB:            database,
		Workspace:     ws,
		Executor:      exec,
		ExecutorBin:   cfg.ExecutorBin,
		AuxConfigPath: cfg.AuxConfigPath,
		LogRoot:       cfg.LogRoot,
		BaseBranch:    cfg.BaseBranch,
		VerifyImplement: func(ctx context.Context, t ticket.Client, ref ticket.IssueRef) error {
			pr, err := t.FindLinkedPR(ctx, ref)
			if err != nil {
				return fmt.Errorf("verifying implement settled a PR: %w", err)
			}
			if pr == nil {
				return fmt.Errorf("implement stage finished with no linked pull request")
			}
			return nil
		},
	}

	disp := dispatcher.New(cfg.MaxConcurrentWorkflows, func(ctx context.Context, action reconciler.Action) error {
		return executeAction(ctx, env, registry, action)
	}, logger)

	var pd *telemetry.PagerDuty
	if cfg.PagerDutyRoutingKey != "" {
		pd = telemetry.NewPagerDuty(cfg.PagerDutyRoutingKey, logger)
	}

	var sl *telemetry.Slack
	if cfg.SlackBotToken != "" && cfg.SlackUserID != "" {
		sl = telemetry.NewSlack(cfg.SlackBotToken, cfg.SlackUserID, logger)
	}
	env.Slack = sl

	prValidation := repoconfig.NewPRValidationManager(cfg.PRValidationConfigPath)
	autoMerging := repoconfig.NewAutoMergingManager(cfg.AutoMergingConfigPath)

	projects := make([]reconciler.Project, len(cfg.ProjectURLs))
	for i, url := range cfg.ProjectURLs {
		projects[i] = reconciler.Project{URL: url, WatchedStatuses: cfg.WatchedStatuses}
	}

	rec := reconciler.New(reconciler.Reconciler{
		Ticket:      ticketClient,
		Registry:    registry,
		Projects:    projects,
		InFlight:    disp,
		Submit:      disp,
		IsProcessed: database.IsCommentProcessed,
		Self:        cfg.AllowedUsername,
		Team:        cfg.TeamUsernames,
		Interval:    cfg.PollInterval,
		Logger:      logger,
		Tracer:      tel.Tracer(),
		Hibernation: pd,
		PRGate:      prValidation,
		AutoMerge:   autoMerging,
	})

	return &Engine{
		Config:     cfg,
		Ticket:     ticketClient,
		DB:         database,
		Logger:     logger,
		Telemetry:  tel,
		PagerDuty:  pd,
		Workspace:  ws,
		Executor:   exec,
		Registry:   registry,
		Dispatcher: disp,
		Reconciler: rec,
	}, nil
}

// Run starts the reconciliation loop and blocks until ctx is cancelled,
// then waits for any in-flight actions to finish before returning.
func (e *Engine) Run(ctx context.Context) {
	e.Reconciler.Run(ctx)
	e.Dispatcher.Wait()
}

// Close releases the database connection and flushes telemetry. Call after
// Run returns.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.Telemetry.Shutdown(ctx); err != nil {
		e.Logger.Warn("shutting down telemetry", "error", err)
	}
	return e.DB.Close()
}

// RecoverInFlight marks every Run still recorded as running at startup as
// cancelled — the process that owned it is gone, so it can never settle on
// its own. It does not touch the issue's running label or resubmit work:
// the ticket tracker still carries that label, so the next reconciler tick
// classifies it as crash recovery (§4.1) and restarts the stage, the same
// division of labor ralph's RecoverBuilding collapses into one step because
// its dispatcher re-drives issues directly from the database instead of
// through a tracker-observed label.
func (e *Engine) RecoverInFlight() (int, error) {
	running, err := e.DB.RunningRuns()
	if err != nil {
		return 0, fmt.Errorf("listing in-flight runs: %w", err)
	}
	for _, run := range running {
		if err := e.DB.SettleRun(run.ID, db.OutcomeCancelled, run.SessionID); err != nil {
			e.Logger.Warn("settling orphaned run", "run_id", run.ID, "issue", run.IssueRef.String(), "error", err)
			continue
		}
		e.Logger.Info("recovered orphaned run, awaiting crash-recovery classification", "run_id", run.ID, "issue", run.IssueRef.String(), "stage", run.WorkflowName)
	}
	return len(running), nil
}

// nextStage declares templates.yaml's column-bound stage order for the
// yolo auto-advance case: once a stage's ready label lands, the next stage
// in line takes over rather than re-running the one that just finished.
var nextStage = map[workflow.Stage]workflow.Stage{
	workflow.Research: workflow.Plan,
	workflow.Plan:     workflow.Implement,
}

// executeAction dispatches a classified reconciler.Action to the right
// workflow stage, reset handler, or column move.
func executeAction(ctx context.Context, env workflow.Environment, registry workflow.Registry, action reconciler.Action) error {
	switch action.Kind {
	case reconciler.ActionReset:
		return resetIssue(ctx, env, registry, action)
	case reconciler.ActionCompletion:
		if err := env.Ticket.MoveColumn(ctx, action.Ref, action.ToColumn); err != nil {
			return err
		}
		if action.ToColumn == "Done" {
			issueURL := fmt.Sprintf("https://%s/%s/%s/issues/%d", action.Ref.Host, action.Ref.Owner, action.Ref.Repo, action.Ref.Number)
			env.Slack.NotifyPhaseComplete(ctx, issueURL, string(workflow.Implement), action.Issue.Title, action.Ref.Number)
		}
		if action.EnableAutoMerge && action.PRNumber != 0 {
			return env.Ticket.EnableAutoMerge(ctx, action.Ref, action.PRNumber)
		}
		return nil
	case reconciler.ActionCrashRecovery, reconciler.ActionStageTrigger, reconciler.ActionProcessComment:
		def, ok := registry[action.Stage]
		if !ok {
			return fmt.Errorf("no workflow registered for stage %q", action.Stage)
		}
		if action.Kind == reconciler.ActionStageTrigger && action.Advance {
			next, ok := nextStage[action.Stage]
			if !ok {
				return fmt.Errorf("no automated column after stage %q", action.Stage)
			}
			nextDef, ok := registry[next]
			if !ok {
				return fmt.Errorf("no workflow registered for stage %q", next)
			}
			return env.Ticket.MoveColumn(ctx, action.Ref, nextDef.Column)
		}
		data, err := promptDataFor(ctx, env, action)
		if err != nil {
			return err
		}
		_, err = env.Execute(ctx, def, action.Ref, data)
		return err
	default:
		return fmt.Errorf("unhandled action kind %q", action.Kind)
	}
}

// promptDataFor resolves the title/body/extra fields Execute's prompt
// template needs, reading the comment body when the action is a
// ProcessComments iteration.
func promptDataFor(ctx context.Context, env workflow.Environment, action reconciler.Action) (workflow.PromptData, error) {
	data := workflow.PromptData{IssueRef: action.Ref}
	if action.Kind == reconciler.ActionProcessComment {
		data.Extra = map[string]string{"comment_body": action.Comment.Body}
	}
	return data, nil
}

// resetIssue implements §4.1's reset contract in full: the in-flight run
// for the issue has already been cancelled by the dispatcher before this
// runs (reconciler.ActionReset is handled specially in Dispatcher.Submit),
// so what's left is closing any linked pull request, deleting the
// worktree and branch, stripping the research/plan marked regions and
// every kiln-managed label, and moving the issue back to Backlog.
func resetIssue(ctx context.Context, env workflow.Environment, registry workflow.Registry, action reconciler.Action) error {
	ref := action.Ref

	if pr := action.Issue.LinkedPullRequest; pr != nil && pr.State == "open" {
		if err := env.Ticket.ClosePR(ctx, ref, pr.Number); err != nil {
			return fmt.Errorf("reset: closing linked PR #%d: %w", pr.Number, err)
		}
	}

	if env.Workspace != nil {
		if err := env.Workspace.CleanupForIssue(ctx, ref, env.BaseBranch, true); err != nil {
			return fmt.Errorf("reset: cleaning up workspace: %w", err)
		}
	}

	body := action.Issue.Body
	for _, kind := range []markedregion.Kind{markedregion.Research, markedregion.Plan} {
		body = markedregion.Strip(body, kind)
	}
	if body != action.Issue.Body {
		if err := env.Ticket.UpdateBody(ctx, ref, body); err != nil {
			return fmt.Errorf("reset: stripping marked regions: %w", err)
		}
	}

	for _, def := range registry {
		for _, label := range []string{def.RunningLabel, def.ReadyLabel, def.FailedLabel} {
			if label == "" {
				continue
			}
			if err := env.Ticket.RemoveLabel(ctx, ref, label); err != nil {
				return fmt.Errorf("reset: removing label %q: %w", label, err)
			}
		}
	}
	if err := env.Ticket.RemoveLabel(ctx, ref, "reset"); err != nil {
		return fmt.Errorf("reset: removing reset label: %w", err)
	}

	return env.Ticket.MoveColumn(ctx, ref, "Backlog")
}

// NewTicketClient builds the GitHub ticket client cfg selects, exported so
// the reset/logs CLI utilities can talk to the tracker without constructing
// a full Engine.
func NewTicketClient(ctx context.Context, cfg config.Config) (ticket.Client, error) {
	var opts []githubticket.Option
	if cfg.GHESBaseURL != "" {
		opts = append(opts, githubticket.WithBaseURL(cfg.GHESBaseURL))
	}
	if cfg.App.AppID != 0 {
		opts = append(opts, githubticket.WithAppAuth(githubticket.AppCredentials{
			AppID:          cfg.App.AppID,
			InstallationID: cfg.App.InstallationID,
			PrivateKeyPath: cfg.App.PrivateKeyPath,
		}))
	}
	return githubticket.New(ctx, cfg.Token, opts...)
}

// cloneURLResolver builds the workspace.Manager's CloneFunc: an
// HTTPS clone URL with the token embedded as basic auth, the standard
// GitHub App/PAT clone credential pattern. App installation tokens rotate,
// so this only authenticates clones when a static PAT is configured;
// App-authenticated deployments are expected to rely on an ambient git
// credential helper instead.
func cloneURLResolver(cfg config.Config) workspace.CloneFunc {
	return func(ctx context.Context, ref workspace.RepoRef) (string, error) {
		if cfg.Token == "" {
			return fmt.Sprintf("https://%s/%s/%s.git", ref.Host, ref.Owner, ref.Repo), nil
		}
		return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", cfg.Token, ref.Host, ref.Owner, ref.Repo), nil
	}
}

func ghesHostFor(cfg config.Config) string {
	if !cfg.GHESLogsMask {
		return ""
	}
	if cfg.GHESBaseURL == "" {
		return ""
	}
	return cfg.GHESBaseURL
}
