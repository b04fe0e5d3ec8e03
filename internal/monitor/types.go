package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// HeadCommit is the commit a workflow run was triggered for.
type HeadCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
}

// WorkflowRun is a GitHub Actions run.
type WorkflowRun struct {
	ID         int64       `json:"id"`
	RunNumber  int         `json:"run_number"`
	Name       string      `json:"name"`
	Status     string      `json:"status"`     // queued, in_progress, completed, ...
	Conclusion string      `json:"conclusion"` // success, failure, cancelled, ... or null
	HeadBranch string      `json:"head_branch"`
	HeadSHA    string      `json:"head_sha"`
	HTMLURL    string      `json:"html_url"`
	HeadCommit *HeadCommit `json:"head_commit"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type workflowRunsResponse struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []WorkflowRun `json:"workflow_runs"`
}

// PullRequest is a GitHub pull request.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue is a GitHub issue. The issues endpoint also returns pull requests;
// those carry a non-nil PullRequest field.
type Issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	HTMLURL     string    `json:"html_url"`
	Labels      []Label   `json:"labels"`
	CreatedAt   time.Time `json:"created_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// HasLabel reports whether the issue carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// CreateIssueRequest contains the fields for creating a new issue.
type CreateIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// APIError represents a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode       int
	Message          string
	DocumentationURL string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsRateLimited reports whether err is a primary (403) or secondary (429) rate limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == 429 {
		return true
	}
	lower := strings.ToLower(apiErr.Message)
	return apiErr.StatusCode == 403 && (strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection"))
}

// IsUnauthorized reports whether err is a 401 (bad or expired token).
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var wire struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiErr.Message = wire.Message
		apiErr.DocumentationURL = wire.DocumentationURL
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
