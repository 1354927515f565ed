package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiln-daemon/kiln/internal/ticket"
)

func mustNew(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	allOpts := append([]Option{
		WithBaseURL(srv.URL + "/"),
		WithGraphQLURL(srv.URL + "/graphql"),
	}, opts...)
	c, err := New(context.Background(), "ghp_test123", allOpts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testRef() ticket.IssueRef {
	return ticket.IssueRef{RepoRef: ticket.RepoRef{Host: "github.com", Owner: "octocat", Repo: "hello"}, Number: 42}
}

func assertAuth(t *testing.T, r *http.Request, expected string) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != expected {
		t.Errorf("expected Authorization %q, got %q", expected, got)
	}
}

func TestAddLabel_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/octocat/hello/issues/42/labels" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		assertAuth(t, r, "Bearer ghp_test123")
		json.NewEncoder(w).Encode([]map[string]any{{"name": "research_ready"}})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	if err := c.AddLabel(context.Background(), testRef(), "research_ready"); err != nil {
		t.Fatalf("AddLabel: %v", err)
	}
}

func TestRemoveLabel_MissingIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	if err := c.RemoveLabel(context.Background(), testRef(), "gone"); err != nil {
		t.Fatalf("expected no error for missing label, got: %v", err)
	}
}

func TestPostComment_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/octocat/hello/issues/42/comments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":   100,
			"body": "diff posted",
			"user": map[string]any{"login": "kiln-bot"},
		})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	comment, err := c.PostComment(context.Background(), testRef(), "diff posted")
	if err != nil {
		t.Fatalf("PostComment: %v", err)
	}
	if comment.ID != 100 || comment.Author != "kiln-bot" {
		t.Errorf("unexpected comment: %+v", comment)
	}
}

func TestAddReaction_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/octocat/hello/issues/comments/7/reactions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["content"] != "eyes" {
			t.Errorf("unexpected reaction content: %v", body["content"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 1, "content": "eyes"})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	if err := c.AddReaction(context.Background(), testRef(), 7, ticket.ReactionSeen); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
}

func TestListComments_Pagination(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			w.Header().Set("Link", `<`+r.URL.Path+`?page=2>; rel="next"`)
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 1, "body": "first", "user": map[string]any{"login": "alice"}},
			})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 2, "body": "second", "user": map[string]any{"login": "bob"}},
		})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	comments, err := c.ListComments(context.Background(), testRef(), time.Time{})
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 2 || comments[0].Author != "alice" || comments[1].Author != "bob" {
		t.Errorf("unexpected comments: %+v", comments)
	}
}

func TestFindLinkedPR_MatchesClosesReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"number":   7,
				"html_url": "https://github.com/octocat/hello/pull/7",
				"state":    "open",
				"body":     "This closes #42 once merged.",
				"head":     map[string]any{"ref": "42-fix-thing"},
			},
		})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	pr, err := c.FindLinkedPR(context.Background(), testRef())
	if err != nil {
		t.Fatalf("FindLinkedPR: %v", err)
	}
	if pr == nil || pr.Number != 7 || pr.Branch != "42-fix-thing" {
		t.Fatalf("unexpected pr: %+v", pr)
	}
}

func TestFindLinkedPR_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"number": 9, "body": "unrelated PR", "state": "open"},
		})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	pr, err := c.FindLinkedPR(context.Background(), testRef())
	if err != nil {
		t.Fatalf("FindLinkedPR: %v", err)
	}
	if pr != nil {
		t.Fatalf("expected no linked PR, got %+v", pr)
	}
}

func TestListProjectIssues_FiltersByWatchedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"organization": map[string]any{
					"projectV2": map[string]any{
						"id": "PVT_1",
						"items": map[string]any{
							"pageInfo": map[string]any{"hasNextPage": false, "endCursor": ""},
							"nodes": []map[string]any{
								{
									"id": "ITEM_1",
									"fieldValues": map[string]any{
										"nodes": []map[string]any{
											{"name": "Research", "field": map[string]any{"id": "FIELD_1", "name": "Status"}},
										},
									},
									"content": map[string]any{
										"issue": map[string]any{
											"number": 42, "title": "Fix login", "body": "body",
											"author":     map[string]any{"login": "alice"},
											"labels":     map[string]any{"nodes": []map[string]any{{"name": "bug"}}},
											"assignees":  map[string]any{"nodes": []map[string]any{}},
											"repository": map[string]any{"name": "hello", "owner": map[string]any{"login": "octocat"}},
										},
									},
								},
								{
									"id": "ITEM_2",
									"fieldValues": map[string]any{
										"nodes": []map[string]any{
											{"name": "Done", "field": map[string]any{"id": "FIELD_1", "name": "Status"}},
										},
									},
									"content": map[string]any{
										"issue": map[string]any{
											"number": 43, "title": "Already done", "body": "",
											"author":     map[string]any{"login": "bob"},
											"labels":     map[string]any{"nodes": []map[string]any{}},
											"assignees":  map[string]any{"nodes": []map[string]any{}},
											"repository": map[string]any{"name": "hello", "owner": map[string]any{"login": "octocat"}},
										},
									},
								},
							},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	issues, err := c.ListProjectIssues(context.Background(), "https://github.com/orgs/octocat/projects/1", []string{"Research"})
	if err != nil {
		t.Fatalf("ListProjectIssues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 watched issue, got %d", len(issues))
	}
	if issues[0].Ref.Number != 42 || issues[0].Status != "Research" || !issues[0].HasLabel("bug") {
		t.Errorf("unexpected issue: %+v", issues[0])
	}
}

func TestMoveColumn_RequiresPriorListProjectIssues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call expected")
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	err := c.MoveColumn(context.Background(), testRef(), "Plan")
	if err == nil {
		t.Fatal("expected error for issue not seen via ListProjectIssues")
	}
}

func TestParseProjectURL(t *testing.T) {
	cases := []struct {
		url       string
		wantOwner string
		wantKind  string
		wantNum   int
	}{
		{"https://github.com/orgs/octocat/projects/1", "octocat", "orgs", 1},
		{"https://github.com/users/octocat/projects/2", "octocat", "users", 2},
	}
	for _, c := range cases {
		owner, kind, num, err := parseProjectURL(c.url)
		if err != nil {
			t.Fatalf("parseProjectURL(%q): %v", c.url, err)
		}
		if owner != c.wantOwner || kind != c.wantKind || num != c.wantNum {
			t.Errorf("parseProjectURL(%q) = (%q, %q, %d), want (%q, %q, %d)", c.url, owner, kind, num, c.wantOwner, c.wantKind, c.wantNum)
		}
	}
}

func TestParseProjectURL_Malformed(t *testing.T) {
	if _, _, _, err := parseProjectURL("not-a-url"); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestServerError_RetriesAndSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{"message": "server error"})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	if _, err := c.ListComments(context.Background(), testRef(), time.Time{}); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestClientError_DoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"message": "Bad credentials"})
	}))
	defer srv.Close()

	c := mustNew(t, srv)
	_, err := c.ListComments(context.Background(), testRef(), time.Time{})
	if err == nil {
		t.Fatal("expected error for HTTP 401")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a fatal error, got %d", calls)
	}
}

func TestNew_WithAppAuth_BadKeyPath_Error(t *testing.T) {
	_, err := New(context.Background(), "", WithAppAuth(AppCredentials{
		AppID:          123,
		InstallationID: 456,
		PrivateKeyPath: "/nonexistent/key.pem",
	}))
	if err == nil {
		t.Fatal("expected error for bad key path")
	}
}

func TestNew_WithAppAuth_BadKeyContent_Error(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "bad.pem")
	os.WriteFile(keyFile, []byte("not a valid PEM key"), 0600)

	_, err := New(context.Background(), "", WithAppAuth(AppCredentials{
		AppID:          123,
		InstallationID: 456,
		PrivateKeyPath: keyFile,
	}))
	if err == nil {
		t.Fatal("expected error for bad PEM content")
	}
}

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
}

func TestNew_WithAppAuth_ValidKeyConfigures(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "test.pem")
	os.WriteFile(keyFile, generateTestKey(t), 0600)

	c, err := New(context.Background(), "", WithAppAuth(AppCredentials{
		AppID:          123,
		InstallationID: 456,
		PrivateKeyPath: keyFile,
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.gh == nil {
		t.Fatal("expected configured client")
	}
}
