package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	githubAPIVersion = "2022-11-28"
	defaultBaseURL   = "https://api.github.com"
	maxResponseBytes = 8 << 20
)

// ClientConfig configures a GitHub REST client scoped to one repository.
type ClientConfig struct {
	BaseURL    string // defaults to https://api.github.com
	Token      string // personal access or fine-grained token (required)
	Repository string // owner/name (required)
	HTTPClient *http.Client
	UserAgent  string
}

// Client is a minimal GitHub REST client for the endpoints the poller uses.
// Conditional GETs use ETags so unchanged polls cost no rate limit quota.
type Client struct {
	baseURL    string
	token      string
	owner      string
	repo       string
	userAgent  string
	httpClient *http.Client
	etags      *etagCache
}

// NewClient validates cfg and returns a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: no token configured (set GITHUB_TOKEN)")
	}
	owner, repo, err := SplitRepository(cfg.Repository)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("github: invalid base URL %q: %w", baseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "ambient-agent"
	}

	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		owner:      owner,
		repo:       repo,
		userAgent:  userAgent,
		httpClient: httpClient,
		etags:      newETagCache(),
	}, nil
}

// SplitRepository parses "owner/name".
func SplitRepository(full string) (owner, repo string, err error) {
	parts := strings.Split(strings.TrimSpace(full), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("github: invalid repository %q (want owner/name)", full)
	}
	return parts[0], parts[1], nil
}

// Repository returns "owner/name".
func (c *Client) Repository() string {
	return c.owner + "/" + c.repo
}

func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", c.owner, c.repo) + fmt.Sprintf(format, args...)
}

// -----------------------------------------------------------------------------
// Endpoints
// -----------------------------------------------------------------------------

// ListWorkflowRuns returns the most recent workflow runs, newest first.
func (c *Client) ListWorkflowRuns(ctx context.Context, perPage int) ([]WorkflowRun, error) {
	var resp workflowRunsResponse
	if err := c.get(ctx, c.repoPath("/actions/runs?per_page=%d", perPage), &resp); err != nil {
		return nil, fmt.Errorf("listing workflow runs in %s: %w", c.Repository(), err)
	}
	return resp.WorkflowRuns, nil
}

// ListOpenPullRequests returns open pull requests, newest first.
func (c *Client) ListOpenPullRequests(ctx context.Context, perPage int) ([]PullRequest, error) {
	var prs []PullRequest
	path := c.repoPath("/pulls?state=open&sort=created&direction=desc&per_page=%d", perPage)
	if err := c.get(ctx, path, &prs); err != nil {
		return nil, fmt.Errorf("listing pull requests in %s: %w", c.Repository(), err)
	}
	return prs, nil
}

// GetIssue retrieves a single issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	var issue Issue
	if err := c.get(ctx, c.repoPath("/issues/%d", number), &issue); err != nil {
		return nil, fmt.Errorf("getting issue %s#%d: %w", c.Repository(), number, err)
	}
	return &issue, nil
}

// ListIssues returns open issues carrying label, newest first.
func (c *Client) ListIssues(ctx context.Context, label string, perPage int) ([]Issue, error) {
	var issues []Issue
	path := c.repoPath("/issues?state=open&sort=created&labels=%s&per_page=%d", url.QueryEscape(label), perPage)
	if err := c.get(ctx, path, &issues); err != nil {
		return nil, fmt.Errorf("listing issues in %s: %w", c.Repository(), err)
	}
	return issues, nil
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, req CreateIssueRequest) (*Issue, error) {
	var issue Issue
	if err := c.send(ctx, http.MethodPost, c.repoPath("/issues"), req, &issue); err != nil {
		return nil, fmt.Errorf("creating issue in %s: %w", c.Repository(), err)
	}
	return &issue, nil
}

// CommentIssue adds a comment to an issue.
func (c *Client) CommentIssue(ctx context.Context, number int, body string) error {
	req := struct {
		Body string `json:"body"`
	}{Body: body}
	if err := c.send(ctx, http.MethodPost, c.repoPath("/issues/%d/comments", number), req, nil); err != nil {
		return fmt.Errorf("commenting on %s#%d: %w", c.Repository(), number, err)
	}
	return nil
}

// CloseIssue sets an issue's state to closed.
func (c *Client) CloseIssue(ctx context.Context, number int) error {
	req := struct {
		State string `json:"state"`
	}{State: "closed"}
	if err := c.send(ctx, http.MethodPatch, c.repoPath("/issues/%d", number), req, nil); err != nil {
		return fmt.Errorf("closing %s#%d: %w", c.Repository(), number, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, result any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (c *Client) send(ctx context.Context, method, path string, payload, result any) error {
	body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if result == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, result)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	target := c.baseURL + path

	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet {
		if etag := c.etags.get(target); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if cached := c.etags.body(target); cached != nil {
			return cached, nil
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("github: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	if method == http.MethodGet {
		c.etags.put(target, resp.Header.Get("ETag"), body)
	}
	return body, nil
}

// -----------------------------------------------------------------------------
// ETag cache
// -----------------------------------------------------------------------------

type etagEntry struct {
	etag string
	body []byte
}

// etagCache maps URL to the last ETag and body. Bounded by the number of
// distinct URLs polled, so there is no eviction.
type etagCache struct {
	mu      sync.Mutex
	entries map[string]etagEntry
}

func newETagCache() *etagCache {
	return &etagCache{entries: make(map[string]etagEntry)}
}

func (e *etagCache) get(url string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[url].etag
}

func (e *etagCache) body(url string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[url]
	if !ok {
		return nil
	}
	return entry.body
}

func (e *etagCache) put(url, etag string, body []byte) {
	if etag == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[url] = etagEntry{etag: etag, body: body}
}
