// Package ticket defines the opaque issue-tracker contract the engine
// depends on. The engine never imports a concrete tracker implementation
// directly; it is wired one at daemon construction time.
package ticket

import (
	"context"
	"time"

	"github.com/kiln-daemon/kiln/internal/workspace"
)

// RepoRef and IssueRef are shared with internal/workspace: an issue's
// identity is the same tuple whether it is being scheduled or checked out.
type (
	RepoRef  = workspace.RepoRef
	IssueRef = workspace.IssueRef
)

// ReactionKind is an emoji reaction applied to a comment.
type ReactionKind string

const (
	ReactionSeen    ReactionKind = "eyes"
	ReactionSuccess ReactionKind = "+1"
	ReactionFailure ReactionKind = "confused"
)

// Comment is a single comment on an issue, in the order the tracker returns
// them.
type Comment struct {
	ID        int64
	Author    string
	CreatedAt time.Time
	Body      string
}

// PullRequest is the subset of a linked pull request the engine needs to
// reason about ownership, completion, and auto-merge.
type PullRequest struct {
	Number int
	URL    string
	State  string // "open" or "closed", as the tracker reports it
	Branch string
	Draft  bool // true until the author marks it ready for review
	Merged bool

	// HeadSHA is the commit ChecksStatus reports on; empty when the tracker
	// implementation doesn't populate it (e.g. a fake that never calls it).
	HeadSHA string
}

// Issue is the opaque, plain-data view of a tracked unit of work. Ref
// identifies it globally; the rest is the tracker's current view of its
// state.
type Issue struct {
	Ref               IssueRef
	Title             string
	Status            string
	Labels            []string
	Body              string
	Comments          []Comment
	Assignees         []string
	Author            string
	LinkedPullRequest *PullRequest
}

// HasLabel reports whether label is present, case-sensitively — trackers
// preserve the case the label was created with.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Client is the opaque adapter the engine depends on. Every method
// corresponds to one row of the TicketClient contract table; retries and
// error classification happen inside the concrete implementation, never in
// the engine.
type Client interface {
	// ListProjectIssues returns every issue in the project currently sitting
	// in one of watchedStatuses.
	ListProjectIssues(ctx context.Context, projectURL string, watchedStatuses []string) ([]Issue, error)

	// ListComments returns comments on ref created at or after since, oldest
	// first. A zero since returns the full history.
	ListComments(ctx context.Context, ref IssueRef, since time.Time) ([]Comment, error)

	AddLabel(ctx context.Context, ref IssueRef, label string) error
	RemoveLabel(ctx context.Context, ref IssueRef, label string) error

	// UpdateBody replaces the issue body. Implementations retry once on a
	// conflicting concurrent edit by rereading and reapplying the change.
	UpdateBody(ctx context.Context, ref IssueRef, body string) error

	// MoveColumn moves the issue to targetStatus on its project board.
	MoveColumn(ctx context.Context, ref IssueRef, targetStatus string) error

	AddReaction(ctx context.Context, ref IssueRef, commentID int64, kind ReactionKind) error
	PostComment(ctx context.Context, ref IssueRef, body string) (Comment, error)

	// FindLinkedPR returns the pull request that closes ref, or nil if none
	// exists yet.
	FindLinkedPR(ctx context.Context, ref IssueRef) (*PullRequest, error)

	// LastStatusChangeActor returns who last moved the issue's column and
	// when. Implementations may return a zero username when the tracker
	// cannot attribute the change.
	LastStatusChangeActor(ctx context.Context, ref IssueRef) (username string, changedAt time.Time, err error)

	// EnableAutoMerge turns on platform auto-merge for a pull request,
	// subject to the caller's own authorization gate.
	EnableAutoMerge(ctx context.Context, ref IssueRef, prNumber int) error

	// ClosePR closes a pull request without merging it, used by reset
	// (§4.1) to tear down an in-flight Implement attempt.
	ClosePR(ctx context.Context, ref IssueRef, prNumber int) error

	// ChecksStatus returns the combined commit-status/check-run state for
	// headSHA: "success", "pending", "failure", or "error". Consulted only
	// for repositories with a pr-validation.yaml entry requesting it before
	// an Implement PR counts as ready for Validate.
	ChecksStatus(ctx context.Context, ref IssueRef, headSHA string) (string, error)
}
