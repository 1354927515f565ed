// Package reconciler enumerates the watched columns of every tracked
// project on each tick, classifies each issue into at most one candidate
// action, and submits authorized actions to a Dispatcher. It never mutates
// ticket or workspace state itself — that is the workflow engine's job,
// invoked through the Submitter it is given.
package reconciler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	mrand "math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiln-daemon/kiln/internal/ticket"
	"github.com/kiln-daemon/kiln/internal/workflow"
)

// ActionKind is the closed set of candidate actions a tick can produce,
// in descending tie-break priority.
type ActionKind string

const (
	ActionReset          ActionKind = "reset"
	ActionCrashRecovery  ActionKind = "crash_recovery"
	ActionProcessComment ActionKind = "process_comment"
	ActionStageTrigger   ActionKind = "stage_trigger"
	ActionCompletion     ActionKind = "completion"
)

// Action is a single unit of work the Reconciler has decided an issue
// needs, handed to the Dispatcher for execution.
type Action struct {
	Kind    ActionKind
	Ref     ticket.IssueRef
	Stage   workflow.Stage // zero for Reset and Completion
	Comment ticket.Comment // only set for ActionProcessComment

	// Advance requests the yolo auto-column-move once Stage's workflow has
	// already completed with its ready label applied.
	Advance bool

	// ToColumn is set for ActionCompletion: "Validate" or "Done".
	ToColumn string

	// Issue is the poll-time snapshot classify saw, set for ActionReset so
	// the body and any linked pull request can be torn down without a
	// second tracker round-trip.
	Issue ticket.Issue

	// PRNumber is the linked pull request's number, set for ActionCompletion
	// so the dispatcher can act on it (e.g. EnableAutoMerge) without a
	// second FindLinkedPR call.
	PRNumber int

	// EnableAutoMerge requests that the dispatcher turn on platform
	// auto-merge once it has moved the issue to ToColumn, set for
	// ActionCompletion when the repo's auto-merging.yaml entry enables it.
	EnableAutoMerge bool
}

// Project is one tracked project board: the URL the TicketClient resolves
// issues from, and the statuses the reconciler reads out of it.
type Project struct {
	URL             string
	WatchedStatuses []string
}

// InFlightChecker reports whether an issue currently has an action running
// in the Dispatcher — used to distinguish crash recovery (running label set,
// nothing actually in flight) from a normal in-progress stage.
type InFlightChecker interface {
	InFlight(ref ticket.IssueRef) bool
}

// Submitter hands a classified Action off for execution. It must not block
// the calling tick beyond its own backpressure decision (spec: "when all
// workers are busy, further submissions are dropped").
type Submitter interface {
	Submit(ctx context.Context, action Action) (accepted bool)
}

// HibernationAlerter pages on-call when the reconciler can't reach the
// ticket tracker for HibernationThreshold consecutive ticks, and resolves
// the page once it can again.
type HibernationAlerter interface {
	TriggerHibernationAlert(ctx context.Context, reason string, projectURLs []string) bool
	ResolveHibernationAlert(ctx context.Context) bool
}

// PRGate reports whether repo (host/owner/repo) requires its Implement PR
// to show passing checks before classifyCompletion treats it as ready for
// Validate, per a .kiln/pr-validation.yaml entry.
type PRGate interface {
	RequiresChecks(repo string) bool
}

// AutoMergeGate reports whether repo (host/owner/repo) has platform
// auto-merge enabled, per a .kiln/auto-merging.yaml entry.
type AutoMergeGate interface {
	Enabled(repo string) bool
}

// Reconciler is the per-tick classification loop.
type Reconciler struct {
	Ticket      ticket.Client
	Registry    workflow.Registry
	Projects    []Project
	InFlight    InFlightChecker
	Submit      Submitter
	IsProcessed func(ref ticket.IssueRef, commentID int64) (bool, error)

	// Self is the one username fully authorized to drive the engine; Team
	// members are observed but never authorize an action on their own.
	Self string
	Team []string

	Interval time.Duration
	Logger   *slog.Logger
	Tracer   trace.Tracer

	// Hibernation, when set, is paged after HibernationThreshold
	// consecutive ticks where every project failed to list issues, and
	// resolved on the next tick that succeeds for at least one project.
	Hibernation          HibernationAlerter
	HibernationThreshold int

	// PRGate and AutoMerge, when set, are consulted by classifyCompletion
	// for every Implement-stage issue whose linked PR looks ready; either
	// may be nil, in which case that gate and that integration are both
	// no-ops.
	PRGate    PRGate
	AutoMerge AutoMergeGate

	rng                 *mrand.Rand
	consecutiveFailures int
	hibernating         bool
}

// New builds a Reconciler with its jitter source seeded from crypto/rand,
// per the per-tick sleep spec (interval * (1 + jitter), jitter ~ U[-0.1, 0.1]).
func New(r Reconciler) *Reconciler {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Tracer == nil {
		r.Tracer = otel.Tracer("kiln/reconciler")
	}
	if r.Interval <= 0 {
		r.Interval = 30 * time.Second
	}
	if r.HibernationThreshold <= 0 {
		r.HibernationThreshold = 3
	}
	seed, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	var s int64
	if err != nil {
		var buf [8]byte
		_, _ = rand.Read(buf[:])
		s = int64(binary.BigEndian.Uint64(buf[:]))
	} else {
		s = seed.Int64()
	}
	r.rng = mrand.New(mrand.NewSource(s))
	return &r
}

// Run blocks, ticking at a jittered interval, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.Tick(ctx)
	for {
		timer := time.NewTimer(r.nextSleep())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Tick(ctx)
		}
	}
}

func (r *Reconciler) nextSleep() time.Duration {
	jitter := (r.rng.Float64()*2 - 1) * 0.1
	return time.Duration(float64(r.Interval) * (1 + jitter))
}

// Tick runs one reconciliation pass across every project, round-robining
// submission across projects so one large project cannot starve the rest.
func (r *Reconciler) Tick(ctx context.Context) {
	ctx, span := r.Tracer.Start(ctx, "reconciler.tick")
	defer span.End()

	var perProject [][]Action
	issueCount := 0
	failures := 0
	for _, proj := range r.Projects {
		issues, err := r.Ticket.ListProjectIssues(ctx, proj.URL, proj.WatchedStatuses)
		if err != nil {
			r.Logger.Warn("listing project issues", "project", proj.URL, "error", err)
			perProject = append(perProject, nil)
			failures++
			continue
		}
		issueCount += len(issues)

		var actions []Action
		for _, issue := range issues {
			action, err := r.classify(ctx, issue)
			if err != nil {
				r.Logger.Warn("classifying issue", "issue", issue.Ref.String(), "error", err)
				continue
			}
			if action != nil {
				actions = append(actions, *action)
			}
		}
		perProject = append(perProject, actions)
	}
	r.trackHibernation(ctx, failures, len(r.Projects))

	submitted := 0
	for _, action := range roundRobin(perProject) {
		if r.Submit.Submit(ctx, action) {
			submitted++
		}
	}

	span.SetAttributes(
		attribute.Int("project_count", len(r.Projects)),
		attribute.Int("issue_count", issueCount),
		attribute.Int("actions_submitted", submitted),
	)
}

// roundRobin interleaves each project's action queue instead of draining
// one project fully before moving to the next, per the tie-break rule
// "across issues, FIFO by discovery order; across projects, round-robin".
func roundRobin(queues [][]Action) []Action {
	var out []Action
	for {
		progressed := false
		for i, q := range queues {
			if len(q) == 0 {
				continue
			}
			out = append(out, q[0])
			queues[i] = q[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}

// classify applies the priority-ordered rules of §4.1 to a single issue,
// returning the one action it produces, or nil if the issue needs nothing
// this tick. It never returns an error for authorization denial — that is
// logged and treated as "no action", same as any other skip.
func (r *Reconciler) classify(ctx context.Context, issue ticket.Issue) (*Action, error) {
	if issue.HasLabel("reset") {
		return &Action{Kind: ActionReset, Ref: issue.Ref, Issue: issue}, nil
	}

	if stage, ok := r.runningStageWithoutInFlight(issue); ok {
		return &Action{Kind: ActionCrashRecovery, Ref: issue.Ref, Stage: stage}, nil
	}

	if action, err := r.classifyCommentIteration(ctx, issue); err != nil {
		return nil, err
	} else if action != nil {
		return action, nil
	}

	if action, err := r.classifyStageTrigger(ctx, issue); err != nil {
		return nil, err
	} else if action != nil {
		return action, nil
	}

	return r.classifyCompletion(ctx, issue)
}

// trackHibernation pages HibernationAlerter once every tracked project has
// failed to list issues for HibernationThreshold consecutive ticks, and
// resolves the page as soon as at least one project succeeds again.
func (r *Reconciler) trackHibernation(ctx context.Context, failures, total int) {
	if r.Hibernation == nil || total == 0 {
		return
	}
	if failures < total {
		if r.hibernating {
			r.Hibernation.ResolveHibernationAlert(ctx)
			r.hibernating = false
		}
		r.consecutiveFailures = 0
		return
	}

	r.consecutiveFailures++
	if !r.hibernating && r.consecutiveFailures >= r.HibernationThreshold {
		urls := make([]string, len(r.Projects))
		for i, p := range r.Projects {
			urls[i] = p.URL
		}
		r.Hibernation.TriggerHibernationAlert(ctx, "could not reach ticket tracker", urls)
		r.hibernating = true
	}
}

func (r *Reconciler) runningStageWithoutInFlight(issue ticket.Issue) (workflow.Stage, bool) {
	for stage, def := range r.Registry {
		if issue.HasLabel(def.RunningLabel) && !r.InFlight.InFlight(issue.Ref) {
			return stage, true
		}
	}
	return "", false
}

// classifyCommentIteration picks the earliest unprocessed, authorized
// comment on an issue currently in Research or Plan.
func (r *Reconciler) classifyCommentIteration(ctx context.Context, issue ticket.Issue) (*Action, error) {
	research, plan := r.Registry[workflow.Research], r.Registry[workflow.Plan]
	if issue.Status != research.Column && issue.Status != plan.Column {
		return nil, nil
	}

	comments, err := r.Ticket.ListComments(ctx, issue.Ref, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("listing comments for %s: %w", issue.Ref, err)
	}

	for _, c := range comments {
		processed, err := r.IsProcessed(issue.Ref, c.ID)
		if err != nil {
			return nil, fmt.Errorf("checking processed comment %d: %w", c.ID, err)
		}
		if processed {
			continue
		}
		if !r.authorize(issue.Ref, c.Author, "comment") {
			continue
		}
		return &Action{Kind: ActionProcessComment, Ref: issue.Ref, Comment: c}, nil
	}
	return nil, nil
}

func (r *Reconciler) classifyStageTrigger(ctx context.Context, issue ticket.Issue) (*Action, error) {
	for stage, def := range r.Registry {
		if def.Column == "" || issue.Status != def.Column {
			continue
		}

		readyDone := issue.HasLabel(def.ReadyLabel)
		if readyDone {
			if issue.HasLabel("yolo") {
				return &Action{Kind: ActionStageTrigger, Ref: issue.Ref, Stage: stage, Advance: true}, nil
			}
			continue
		}
		if issue.HasLabel(def.RunningLabel) {
			continue
		}

		actor, _, err := r.Ticket.LastStatusChangeActor(ctx, issue.Ref)
		if err != nil {
			return nil, fmt.Errorf("resolving last status change actor for %s: %w", issue.Ref, err)
		}
		if !r.authorize(issue.Ref, actor, "stage_trigger") {
			continue
		}
		return &Action{Kind: ActionStageTrigger, Ref: issue.Ref, Stage: stage}, nil
	}
	return nil, nil
}

// classifyCompletion advances an Implement-stage issue once its linked pull
// request reaches ready-for-review (→ Validate) or merge/close (→ Done).
func (r *Reconciler) classifyCompletion(ctx context.Context, issue ticket.Issue) (*Action, error) {
	implement := r.Registry[workflow.Implement]
	if issue.Status != implement.Column {
		return nil, nil
	}
	pr, err := r.Ticket.FindLinkedPR(ctx, issue.Ref)
	if err != nil {
		return nil, fmt.Errorf("finding linked PR for %s: %w", issue.Ref, err)
	}
	if pr == nil {
		return nil, nil
	}
	switch {
	case pr.Merged || pr.State == "closed":
		return &Action{Kind: ActionCompletion, Ref: issue.Ref, ToColumn: "Done", Issue: issue}, nil
	case pr.State == "open" && !pr.Draft:
		repoKey := issue.Ref.RepoRef.String()
		if r.PRGate != nil && r.PRGate.RequiresChecks(repoKey) {
			state, err := r.Ticket.ChecksStatus(ctx, issue.Ref, pr.HeadSHA)
			if err != nil {
				return nil, fmt.Errorf("checking CI status for %s: %w", issue.Ref, err)
			}
			if state != "success" {
				return nil, nil
			}
		}
		action := &Action{Kind: ActionCompletion, Ref: issue.Ref, ToColumn: "Validate", PRNumber: pr.Number}
		if r.AutoMerge != nil && r.AutoMerge.Enabled(repoKey) {
			action.EnableAutoMerge = true
		}
		return action, nil
	default:
		return nil, nil
	}
}
