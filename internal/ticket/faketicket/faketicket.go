// Package faketicket provides an in-memory ticket.Client for tests,
// following the pack's own fake-the-network philosophy: no HTTP, no retry,
// just enough state to drive the engine through reconciliation.
package faketicket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiln-daemon/kiln/internal/ticket"
)

// Client is a concurrency-safe, in-memory ticket.Client. Tests seed its
// Issues map directly; mutations made through the interface are reflected
// back into that state so assertions can inspect it afterward.
type Client struct {
	mu sync.Mutex

	Issues           map[ticket.IssueRef]*ticket.Issue
	Reactions        map[ticket.IssueRef]map[int64][]ticket.ReactionKind
	AutoMergeEnabled map[ticket.IssueRef]bool

	// LastActor is returned by LastStatusChangeActor for every issue; tests
	// set it to drive the authorization gate.
	LastActor string

	// FindLinkedPRErr, keyed by issue ref, lets a test force FindLinkedPR to
	// fail for one issue without affecting others.
	FindLinkedPRErr map[ticket.IssueRef]error

	// ChecksState, keyed by head SHA, is what ChecksStatus returns; an
	// unset SHA reports "pending", matching "checks haven't reported yet".
	ChecksState map[string]string

	nextCommentID int64
}

var _ ticket.Client = (*Client)(nil)

// New returns an empty fake client.
func New() *Client {
	return &Client{
		Issues:           make(map[ticket.IssueRef]*ticket.Issue),
		Reactions:        make(map[ticket.IssueRef]map[int64][]ticket.ReactionKind),
		AutoMergeEnabled: make(map[ticket.IssueRef]bool),
		ChecksState:      make(map[string]string),
		nextCommentID:    1,
	}
}

// Seed registers issue under its own ref, for a test to then drive through
// the engine.
func (c *Client) Seed(issue ticket.Issue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := issue
	c.Issues[issue.Ref] = &cp
}

func (c *Client) ListProjectIssues(ctx context.Context, projectURL string, watchedStatuses []string) ([]ticket.Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	watched := make(map[string]bool, len(watchedStatuses))
	for _, s := range watchedStatuses {
		watched[s] = true
	}
	var out []ticket.Issue
	for _, issue := range c.Issues {
		if len(watched) == 0 || watched[issue.Status] {
			out = append(out, *issue)
		}
	}
	return out, nil
}

func (c *Client) ListComments(ctx context.Context, ref ticket.IssueRef, since time.Time) ([]ticket.Comment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.Issues[ref]
	if !ok {
		return nil, fmt.Errorf("unknown issue %s", ref)
	}
	var out []ticket.Comment
	for _, cm := range issue.Comments {
		if !cm.CreatedAt.Before(since) {
			out = append(out, cm)
		}
	}
	return out, nil
}

func (c *Client) AddLabel(ctx context.Context, ref ticket.IssueRef, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.Issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	if issue.HasLabel(label) {
		return nil
	}
	issue.Labels = append(issue.Labels, label)
	return nil
}

func (c *Client) RemoveLabel(ctx context.Context, ref ticket.IssueRef, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.Issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	return nil
}

func (c *Client) UpdateBody(ctx context.Context, ref ticket.IssueRef, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.Issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	issue.Body = body
	return nil
}

func (c *Client) MoveColumn(ctx context.Context, ref ticket.IssueRef, targetStatus string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.Issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	issue.Status = targetStatus
	return nil
}

func (c *Client) AddReaction(ctx context.Context, ref ticket.IssueRef, commentID int64, kind ticket.ReactionKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Reactions[ref] == nil {
		c.Reactions[ref] = make(map[int64][]ticket.ReactionKind)
	}
	c.Reactions[ref][commentID] = append(c.Reactions[ref][commentID], kind)
	return nil
}

func (c *Client) PostComment(ctx context.Context, ref ticket.IssueRef, body string) (ticket.Comment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.Issues[ref]
	if !ok {
		return ticket.Comment{}, fmt.Errorf("unknown issue %s", ref)
	}
	cm := ticket.Comment{ID: c.nextCommentID, Author: "kiln-bot", CreatedAt: time.Now(), Body: body}
	c.nextCommentID++
	issue.Comments = append(issue.Comments, cm)
	return cm, nil
}

func (c *Client) FindLinkedPR(ctx context.Context, ref ticket.IssueRef) (*ticket.PullRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.FindLinkedPRErr[ref]; err != nil {
		return nil, err
	}
	issue, ok := c.Issues[ref]
	if !ok {
		return nil, fmt.Errorf("unknown issue %s", ref)
	}
	return issue.LinkedPullRequest, nil
}

func (c *Client) LastStatusChangeActor(ctx context.Context, ref ticket.IssueRef) (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActor, time.Time{}, nil
}

func (c *Client) EnableAutoMerge(ctx context.Context, ref ticket.IssueRef, prNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AutoMergeEnabled[ref] = true
	return nil
}

func (c *Client) ClosePR(ctx context.Context, ref ticket.IssueRef, prNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.Issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	if issue.LinkedPullRequest != nil && issue.LinkedPullRequest.Number == prNumber {
		issue.LinkedPullRequest.State = "closed"
	}
	return nil
}

func (c *Client) ChecksStatus(ctx context.Context, ref ticket.IssueRef, headSHA string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.ChecksState[headSHA]; ok {
		return state, nil
	}
	return "pending", nil
}
