package faketicket

import (
	"context"
	"testing"

	"github.com/kiln-daemon/kiln/internal/ticket"
)

func testRef() ticket.IssueRef {
	return ticket.IssueRef{RepoRef: ticket.RepoRef{Host: "github.com", Owner: "acme", Repo: "widgets"}, Number: 1}
}

func TestSeedAndListProjectIssues(t *testing.T) {
	c := New()
	c.Seed(ticket.Issue{Ref: testRef(), Status: "Research", Title: "First"})

	issues, err := c.ListProjectIssues(context.Background(), "https://github.com/orgs/acme/projects/1", []string{"Research"})
	if err != nil {
		t.Fatalf("ListProjectIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].Title != "First" {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	none, err := c.ListProjectIssues(context.Background(), "", []string{"Plan"})
	if err != nil {
		t.Fatalf("ListProjectIssues: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no issues in Plan, got %+v", none)
	}
}

func TestAddRemoveLabel(t *testing.T) {
	c := New()
	ref := testRef()
	c.Seed(ticket.Issue{Ref: ref})

	if err := c.AddLabel(context.Background(), ref, "research_ready"); err != nil {
		t.Fatalf("AddLabel: %v", err)
	}
	if !c.Issues[ref].HasLabel("research_ready") {
		t.Fatal("expected label to be added")
	}

	if err := c.RemoveLabel(context.Background(), ref, "research_ready"); err != nil {
		t.Fatalf("RemoveLabel: %v", err)
	}
	if c.Issues[ref].HasLabel("research_ready") {
		t.Fatal("expected label to be removed")
	}
}

func TestMoveColumnAndUpdateBody(t *testing.T) {
	c := New()
	ref := testRef()
	c.Seed(ticket.Issue{Ref: ref, Status: "Research"})

	if err := c.MoveColumn(context.Background(), ref, "Plan"); err != nil {
		t.Fatalf("MoveColumn: %v", err)
	}
	if c.Issues[ref].Status != "Plan" {
		t.Errorf("status = %q, want Plan", c.Issues[ref].Status)
	}

	if err := c.UpdateBody(context.Background(), ref, "new body"); err != nil {
		t.Fatalf("UpdateBody: %v", err)
	}
	if c.Issues[ref].Body != "new body" {
		t.Errorf("body = %q, want %q", c.Issues[ref].Body, "new body")
	}
}

func TestPostCommentAndReaction(t *testing.T) {
	c := New()
	ref := testRef()
	c.Seed(ticket.Issue{Ref: ref})

	cm, err := c.PostComment(context.Background(), ref, "hello")
	if err != nil {
		t.Fatalf("PostComment: %v", err)
	}
	if cm.Body != "hello" {
		t.Errorf("comment body = %q", cm.Body)
	}

	if err := c.AddReaction(context.Background(), ref, cm.ID, ticket.ReactionSeen); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if got := c.Reactions[ref][cm.ID]; len(got) != 1 || got[0] != ticket.ReactionSeen {
		t.Errorf("unexpected reactions: %v", got)
	}
}

func TestUnknownIssueErrors(t *testing.T) {
	c := New()
	if _, err := c.PostComment(context.Background(), testRef(), "x"); err == nil {
		t.Fatal("expected error for unseeded issue")
	}
}
