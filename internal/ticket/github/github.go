// Package github implements internal/ticket.Client against GitHub Issues and
// GitHub Projects (v2). Projects v2 has no REST surface, so status reads and
// column moves go over a small hand-rolled GraphQL call layered on the same
// authenticated transport go-github uses for everything else (no GraphQL SDK
// appears anywhere in the example pack; see DESIGN.md).
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v68/github"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kiln-daemon/kiln/internal/kilnerr"
	"github.com/kiln-daemon/kiln/internal/ticket"
)

// AppCredentials holds GitHub App installation authentication parameters.
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// AzureOAuthCredentials configures an OAuth2 client-credentials token source
// for GitHub Enterprise Server deployments fronted by Azure AD.
type AzureOAuthCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type clientConfig struct {
	baseURL         string
	graphQLURL      string
	app             *AppCredentials
	azure           *AzureOAuthCredentials
	statusFieldName string
	maxRetries      uint64
}

// Option configures a Client.
type Option func(*clientConfig)

// WithBaseURL overrides the GitHub REST API base URL (Enterprise Server
// deployments, or a test server).
func WithBaseURL(url string) Option { return func(c *clientConfig) { c.baseURL = url } }

// WithGraphQLURL overrides the GraphQL endpoint independently of the REST
// base URL, for Enterprise Server hosts where the two paths differ.
func WithGraphQLURL(url string) Option { return func(c *clientConfig) { c.graphQLURL = url } }

// WithAppAuth authenticates as a GitHub App installation rather than a
// personal access token.
func WithAppAuth(app AppCredentials) Option { return func(c *clientConfig) { c.app = &app } }

// WithAzureOAuth authenticates via an OAuth2 client-credentials flow instead
// of a static token, for GHES-behind-Azure-AD deployments.
func WithAzureOAuth(creds AzureOAuthCredentials) Option {
	return func(c *clientConfig) { c.azure = &creds }
}

// WithStatusFieldName sets the Projects v2 single-select field name read as
// the issue's column. Defaults to "Status".
func WithStatusFieldName(name string) Option {
	return func(c *clientConfig) { c.statusFieldName = name }
}

// WithMaxRetries caps the number of retry attempts for transient failures.
func WithMaxRetries(n uint64) Option { return func(c *clientConfig) { c.maxRetries = n } }

// Client is a ticket.Client backed by the GitHub REST and GraphQL APIs.
type Client struct {
	gh              *gh.Client
	http            *http.Client
	graphQLURL      string
	statusFieldName string
	maxRetries      uint64

	itemsMu sync.Mutex
	items   map[ticket.IssueRef]projectItem
}

// projectItem is what MoveColumn needs to mutate a Projects v2 item's
// single-select status field, cached from the last ListProjectIssues call
// that observed the issue.
type projectItem struct {
	projectID string
	itemID    string
	fieldID   string
}

var _ ticket.Client = (*Client)(nil)

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// New creates a GitHub-backed ticket.Client. With no options it authenticates
// with token as a personal access token.
func New(ctx context.Context, token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{statusFieldName: "Status", maxRetries: 3}
	for _, o := range opts {
		o(cfg)
	}

	var httpClient *http.Client
	var err error
	switch {
	case cfg.app != nil:
		httpClient, err = appHTTPClient(cfg.app, cfg.baseURL)
	case cfg.azure != nil:
		oauthCfg := clientcredentials.Config{
			ClientID:     cfg.azure.ClientID,
			ClientSecret: cfg.azure.ClientSecret,
			TokenURL:     cfg.azure.TokenURL,
			Scopes:       cfg.azure.Scopes,
		}
		httpClient = oauthCfg.Client(ctx)
	default:
		httpClient = nil
	}
	if err != nil {
		return nil, fmt.Errorf("configuring GitHub auth: %w", err)
	}

	var ghClient *gh.Client
	if httpClient != nil {
		ghClient = gh.NewClient(httpClient)
	} else {
		ghClient = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		ghClient, err = ghClient.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring enterprise URLs: %w", err)
		}
	}
	if httpClient == nil {
		httpClient = ghClient.Client()
	}

	graphQLURL := cfg.graphQLURL
	if graphQLURL == "" {
		if cfg.baseURL != "" {
			graphQLURL = strings.TrimSuffix(cfg.baseURL, "/") + "/api/graphql"
		} else {
			graphQLURL = "https://api.github.com/graphql"
		}
	}

	return &Client{
		gh:              ghClient,
		http:            httpClient,
		graphQLURL:      graphQLURL,
		statusFieldName: cfg.statusFieldName,
		maxRetries:      cfg.maxRetries,
		items:           make(map[ticket.IssueRef]projectItem),
	}, nil
}

func appHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	if _, err := jwt.ParseRSAPrivateKeyFromPEM(keyData); err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	itr, err := ghinstallation.New(http.DefaultTransport, app.AppID, app.InstallationID, keyData)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return &http.Client{Transport: itr}, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

// retry runs fn, retrying transient failures with exponential backoff and
// giving up immediately on anything kilnerr classifies as non-transient.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if kilnerr.Classify(err) != kilnerr.Transient {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// classifyErr wraps a go-github error with its kilnerr.Kind based on HTTP
// status, the one place this client inspects a provider-specific shape.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if resp, ok := errorResponse(err); ok {
		return kilnerr.Wrap(kilnerr.ClassifyHTTPStatus(resp.StatusCode), err)
	}
	return kilnerr.Wrap(kilnerr.Transient, err)
}

// errorResponse unwraps err looking for a *github.ErrorResponse, following
// fmt.Errorf("%w", ...) wrapping chains.
func errorResponse(err error) (*http.Response, bool) {
	for err != nil {
		if e, ok := err.(*gh.ErrorResponse); ok && e.Response != nil {
			return e.Response, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// ListProjectIssues fetches every item of the Projects v2 board at
// projectURL whose status field value is one of watchedStatuses.
func (c *Client) ListProjectIssues(ctx context.Context, projectURL string, watchedStatuses []string) ([]ticket.Issue, error) {
	owner, ownerKind, number, err := parseProjectURL(projectURL)
	if err != nil {
		return nil, kilnerr.Wrap(kilnerr.Fatal, err)
	}

	watched := make(map[string]bool, len(watchedStatuses))
	for _, s := range watchedStatuses {
		watched[s] = true
	}

	var issues []ticket.Issue
	var cursor string
	for {
		page, err := c.fetchProjectPage(ctx, owner, ownerKind, number, cursor)
		if err != nil {
			return nil, err
		}
		for _, node := range page.Nodes {
			if node.Content.Issue == nil {
				continue
			}
			status := node.statusValue(c.statusFieldName)
			if len(watched) > 0 && !watched[status] {
				continue
			}
			issue := node.toIssue(status)
			c.rememberItem(issue.Ref, projectItem{
				projectID: page.ProjectID,
				itemID:    node.ID,
				fieldID:   node.statusFieldID(c.statusFieldName),
			})
			issues = append(issues, issue)
		}
		if !page.HasNextPage {
			break
		}
		cursor = page.EndCursor
	}
	return issues, nil
}

func (c *Client) rememberItem(ref ticket.IssueRef, item projectItem) {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()
	c.items[ref] = item
}

// ListComments returns comments on ref at or after since, oldest first.
func (c *Client) ListComments(ctx context.Context, ref ticket.IssueRef, since time.Time) ([]ticket.Comment, error) {
	var out []ticket.Comment
	err := c.retry(ctx, func() error {
		out = nil
		opts := &gh.IssueListCommentsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		if !since.IsZero() {
			opts.Since = &since
		}
		for {
			comments, resp, err := c.gh.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.Number, opts)
			if err != nil {
				return classifyErr(err)
			}
			for _, cm := range comments {
				out = append(out, ticket.Comment{
					ID:        cm.GetID(),
					Author:    cm.GetUser().GetLogin(),
					CreatedAt: cm.GetCreatedAt().Time,
					Body:      cm.GetBody(),
				})
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return out, err
}

// AddLabel adds label to ref, a no-op if already present.
func (c *Client) AddLabel(ctx context.Context, ref ticket.IssueRef, label string) error {
	return c.retry(ctx, func() error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, ref.Owner, ref.Repo, ref.Number, []string{label})
		return classifyErr(err)
	})
}

// RemoveLabel removes label from ref, a no-op if absent.
func (c *Client) RemoveLabel(ctx context.Context, ref ticket.IssueRef, label string) error {
	return c.retry(ctx, func() error {
		_, err := c.gh.Issues.RemoveLabelForIssue(ctx, ref.Owner, ref.Repo, ref.Number, label)
		if resp, ok := errorResponse(err); ok && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classifyErr(err)
	})
}

// UpdateBody replaces ref's body. On a conflicting concurrent edit it
// rereads and reapplies the change exactly once.
func (c *Client) UpdateBody(ctx context.Context, ref ticket.IssueRef, body string) error {
	attempt := func() error {
		_, _, err := c.gh.Issues.Edit(ctx, ref.Owner, ref.Repo, ref.Number, &gh.IssueRequest{Body: gh.Ptr(body)})
		return err
	}
	err := c.retry(ctx, func() error { return classifyErr(attempt()) })
	if resp, ok := errorResponse(err); ok && resp.StatusCode == http.StatusConflict {
		err = c.retry(ctx, func() error { return classifyErr(attempt()) })
	}
	return err
}

// MoveColumn sets ref's Projects v2 status field to targetStatus. The issue
// must have been observed by a prior ListProjectIssues call.
func (c *Client) MoveColumn(ctx context.Context, ref ticket.IssueRef, targetStatus string) error {
	c.itemsMu.Lock()
	item, ok := c.items[ref]
	c.itemsMu.Unlock()
	if !ok {
		return kilnerr.Wrap(kilnerr.Logical, fmt.Errorf("moving %s: issue not seen via ListProjectIssues yet", ref))
	}

	optionID, err := c.resolveStatusOptionID(ctx, item, targetStatus)
	if err != nil {
		return err
	}

	const mutation = `
mutation($projectId: ID!, $itemId: ID!, $fieldId: ID!, $optionId: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $projectId, itemId: $itemId, fieldId: $fieldId,
    value: { singleSelectOptionId: $optionId }
  }) { projectV2Item { id } }
}`
	return c.retry(ctx, func() error {
		return c.graphQL(ctx, mutation, map[string]any{
			"projectId": item.projectID,
			"itemId":    item.itemID,
			"fieldId":   item.fieldID,
			"optionId":  optionID,
		}, nil)
	})
}

// AddReaction applies kind to a comment.
func (c *Client) AddReaction(ctx context.Context, ref ticket.IssueRef, commentID int64, kind ticket.ReactionKind) error {
	return c.retry(ctx, func() error {
		_, _, err := c.gh.Reactions.CreateIssueCommentReaction(ctx, ref.Owner, ref.Repo, commentID, string(kind))
		return classifyErr(err)
	})
}

// PostComment posts a new comment on ref.
func (c *Client) PostComment(ctx context.Context, ref ticket.IssueRef, body string) (ticket.Comment, error) {
	var out ticket.Comment
	err := c.retry(ctx, func() error {
		ic, _, err := c.gh.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, &gh.IssueComment{Body: gh.Ptr(body)})
		if err != nil {
			return classifyErr(err)
		}
		out = ticket.Comment{
			ID:        ic.GetID(),
			Author:    ic.GetUser().GetLogin(),
			CreatedAt: ic.GetCreatedAt().Time,
			Body:      ic.GetBody(),
		}
		return nil
	})
	return out, err
}

var closesRefRe = regexp.MustCompile(`(?i)\b(?:closes?|fixe?s?|resolves?)\s*#(\d+)`)

// FindLinkedPR finds the pull request in ref's repo whose body references
// "Closes #N" (or Fixes/Resolves) for ref's issue number, in any state —
// completion detection needs merged and closed PRs, not just open ones.
func (c *Client) FindLinkedPR(ctx context.Context, ref ticket.IssueRef) (*ticket.PullRequest, error) {
	var found *ticket.PullRequest
	err := c.retry(ctx, func() error {
		found = nil
		opts := &gh.PullRequestListOptions{State: "all", ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, ref.Owner, ref.Repo, opts)
			if err != nil {
				return classifyErr(err)
			}
			for _, pr := range prs {
				for _, m := range closesRefRe.FindAllStringSubmatch(pr.GetBody(), -1) {
					n, convErr := strconv.Atoi(m[1])
					if convErr == nil && n == ref.Number {
						result := &ticket.PullRequest{
							Number: pr.GetNumber(),
							URL:    pr.GetHTMLURL(),
							State:  pr.GetState(),
							Draft:  pr.GetDraft(),
							Merged: pr.GetMerged(),
						}
						if pr.Head != nil {
							result.Branch = pr.Head.GetRef()
							result.HeadSHA = pr.Head.GetSHA()
						}
						found = result
						return nil
					}
				}
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return found, err
}

// LastStatusChangeActor returns who most recently moved ref on its project
// board. GitHub's timeline API does not expose Projects v2 field changes
// reliably, so this is genuinely best-effort: it returns a zero username
// rather than an error when nothing attributable is found.
func (c *Client) LastStatusChangeActor(ctx context.Context, ref ticket.IssueRef) (string, time.Time, error) {
	var username string
	var changedAt time.Time
	err := c.retry(ctx, func() error {
		username, changedAt = "", time.Time{}
		opts := &gh.ListOptions{PerPage: 100}
		events, _, err := c.gh.Issues.ListIssueTimeline(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return classifyErr(err)
		}
		for i := len(events) - 1; i >= 0; i-- {
			e := events[i]
			if strings.Contains(e.GetEvent(), "project") {
				username = e.GetActor().GetLogin()
				changedAt = e.GetCreatedAt().Time
				return nil
			}
		}
		return nil
	})
	return username, changedAt, err
}

// EnableAutoMerge turns on GitHub's auto-merge for a pull request. The REST
// API has no toggle for this; it is a GraphQL-only mutation.
func (c *Client) EnableAutoMerge(ctx context.Context, ref ticket.IssueRef, prNumber int) error {
	pr, _, err := c.gh.PullRequests.Get(ctx, ref.Owner, ref.Repo, prNumber)
	if err != nil {
		return classifyErr(err)
	}
	const mutation = `
mutation($pullRequestId: ID!) {
  enablePullRequestAutoMerge(input: { pullRequestId: $pullRequestId, mergeMethod: SQUASH }) {
    pullRequest { id }
  }
}`
	return c.retry(ctx, func() error {
		return c.graphQL(ctx, mutation, map[string]any{"pullRequestId": pr.GetNodeID()}, nil)
	})
}

// ClosePR closes a pull request without merging it.
func (c *Client) ClosePR(ctx context.Context, ref ticket.IssueRef, prNumber int) error {
	closed := "closed"
	return c.retry(ctx, func() error {
		_, _, err := c.gh.PullRequests.Edit(ctx, ref.Owner, ref.Repo, prNumber, &gh.PullRequest{State: &closed})
		if err != nil {
			return classifyErr(err)
		}
		return nil
	})
}

// ChecksStatus returns the combined commit-status/check-run state for
// headSHA, one of "success", "pending", "failure", or "error" per
// go-github's CombinedStatus.State.
func (c *Client) ChecksStatus(ctx context.Context, ref ticket.IssueRef, headSHA string) (string, error) {
	var state string
	err := c.retry(ctx, func() error {
		combined, _, err := c.gh.Repositories.GetCombinedStatus(ctx, ref.Owner, ref.Repo, headSHA, nil)
		if err != nil {
			return classifyErr(err)
		}
		state = combined.GetState()
		return nil
	})
	return state, err
}

// --- GraphQL plumbing for Projects v2 ---

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

func (c *Client) graphQL(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encoding graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphQLURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return kilnerr.Wrap(kilnerr.Transient, fmt.Errorf("graphql request: %w", err))
	}
	defer resp.Body.Close()

	var env graphQLEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding graphql response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return kilnerr.Wrap(kilnerr.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("graphql request failed: %d", resp.StatusCode))
	}
	if len(env.Errors) > 0 {
		return kilnerr.Wrap(kilnerr.Logical, fmt.Errorf("graphql error: %s", env.Errors[0].Message))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding graphql data: %w", err)
		}
	}
	return nil
}

type projectPage struct {
	ProjectID   string
	Nodes       []projectItemNode
	HasNextPage bool
	EndCursor   string
}

type projectItemNode struct {
	ID          string `json:"id"`
	FieldValues struct {
		Nodes []struct {
			Name  string `json:"name"`
			Field struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"field"`
		} `json:"nodes"`
	} `json:"fieldValues"`
	Content struct {
		Issue *struct {
			Number    int    `json:"number"`
			Title     string `json:"title"`
			Body      string `json:"body"`
			CreatedAt string `json:"createdAt"`
			UpdatedAt string `json:"updatedAt"`
			Author    struct {
				Login string `json:"login"`
			} `json:"author"`
			Labels struct {
				Nodes []struct {
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
			Assignees struct {
				Nodes []struct {
					Login string `json:"login"`
				} `json:"nodes"`
			} `json:"assignees"`
			Repository struct {
				Name  string `json:"name"`
				Owner struct {
					Login string `json:"login"`
				} `json:"owner"`
			} `json:"repository"`
		} `json:"issue"`
	} `json:"content"`
}

func (n projectItemNode) statusValue(fieldName string) string {
	for _, fv := range n.FieldValues.Nodes {
		if fv.Field.Name == fieldName {
			return fv.Name
		}
	}
	return ""
}

func (n projectItemNode) statusFieldID(fieldName string) string {
	for _, fv := range n.FieldValues.Nodes {
		if fv.Field.Name == fieldName {
			return fv.Field.ID
		}
	}
	return ""
}

func (n projectItemNode) toIssue(status string) ticket.Issue {
	iss := n.Content.Issue
	labels := make([]string, 0, len(iss.Labels.Nodes))
	for _, l := range iss.Labels.Nodes {
		labels = append(labels, l.Name)
	}
	assignees := make([]string, 0, len(iss.Assignees.Nodes))
	for _, a := range iss.Assignees.Nodes {
		assignees = append(assignees, a.Login)
	}
	return ticket.Issue{
		Ref: ticket.IssueRef{
			RepoRef: ticket.RepoRef{Host: "github.com", Owner: iss.Repository.Owner.Login, Repo: iss.Repository.Name},
			Number:  iss.Number,
		},
		Title:     iss.Title,
		Status:    status,
		Labels:    labels,
		Body:      iss.Body,
		Assignees: assignees,
		Author:    iss.Author.Login,
	}
}

func parseProjectURL(projectURL string) (owner, ownerKind string, number int, err error) {
	// Expected shapes: https://github.com/orgs/<org>/projects/<n>
	//                  https://github.com/users/<user>/projects/<n>
	parts := strings.Split(strings.TrimSuffix(projectURL, "/"), "/")
	if len(parts) < 4 {
		return "", "", 0, fmt.Errorf("malformed project URL %q", projectURL)
	}
	n, convErr := strconv.Atoi(parts[len(parts)-1])
	if convErr != nil {
		return "", "", 0, fmt.Errorf("parsing project number from %q: %w", projectURL, convErr)
	}
	kind := parts[len(parts)-3]
	ownerName := parts[len(parts)-2]
	if kind != "orgs" && kind != "users" {
		return "", "", 0, fmt.Errorf("unrecognized project URL shape %q", projectURL)
	}
	return ownerName, kind, n, nil
}

func (c *Client) fetchProjectPage(ctx context.Context, owner, ownerKind string, number int, after string) (projectPage, error) {
	rootField := "organization"
	if ownerKind == "users" {
		rootField = "user"
	}
	query := fmt.Sprintf(`
query($login: String!, $number: Int!, $after: String) {
  %s(login: $login) {
    projectV2(number: $number) {
      id
      items(first: 50, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          fieldValues(first: 20) {
            nodes {
              ... on ProjectV2ItemFieldSingleSelectValue {
                name
                field { ... on ProjectV2SingleSelectField { id name } }
              }
            }
          }
          content {
            ... on Issue {
              number title body createdAt updatedAt
              author { login }
              labels(first: 50) { nodes { name } }
              assignees(first: 10) { nodes { login } }
              repository { name owner { login } }
            }
          }
        }
      }
    }
  }
}`, rootField)

	var resp struct {
		Organization *struct{ ProjectV2 projectV2Response } `json:"organization"`
		User         *struct{ ProjectV2 projectV2Response } `json:"user"`
	}
	var cursor any
	if after != "" {
		cursor = after
	}
	err := c.graphQL(ctx, query, map[string]any{"login": owner, "number": number, "after": cursor}, &resp)
	if err != nil {
		return projectPage{}, err
	}

	var pv2 projectV2Response
	if resp.Organization != nil {
		pv2 = resp.Organization.ProjectV2
	} else if resp.User != nil {
		pv2 = resp.User.ProjectV2
	}

	return projectPage{
		ProjectID:   pv2.ID,
		Nodes:       pv2.Items.Nodes,
		HasNextPage: pv2.Items.PageInfo.HasNextPage,
		EndCursor:   pv2.Items.PageInfo.EndCursor,
	}, nil
}

type projectV2Response struct {
	ID    string `json:"id"`
	Items struct {
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
		Nodes []projectItemNode `json:"nodes"`
	} `json:"items"`
}

// resolveStatusOptionID looks up the option id for targetStatus on the
// status field attached to item, by re-fetching the field's options. go-github
// has no typed GraphQL client, so this issues a small standalone query.
func (c *Client) resolveStatusOptionID(ctx context.Context, item projectItem, targetStatus string) (string, error) {
	const query = `
query($fieldId: ID!) {
  node(id: $fieldId) {
    ... on ProjectV2SingleSelectField {
      options { id name }
    }
  }
}`
	var resp struct {
		Node struct {
			Options []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"options"`
		} `json:"node"`
	}
	if err := c.graphQL(ctx, query, map[string]any{"fieldId": item.fieldID}, &resp); err != nil {
		return "", err
	}
	for _, opt := range resp.Node.Options {
		if opt.Name == targetStatus {
			return opt.ID, nil
		}
	}
	return "", kilnerr.Wrap(kilnerr.Logical, fmt.Errorf("no status option named %q", targetStatus))
}
