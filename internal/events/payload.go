package events

import (
	"encoding/json"
	"time"
)

// Payload is the kind-specific body of an event.
// Only types declared in this package implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Workflow run phases.
const (
	PhaseStarted = "started"
	PhaseFailed  = "failed"
)

// Commit identifies the head commit of a workflow run.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
}

// WorkflowRun reports a CI run that started or failed.
type WorkflowRun struct {
	RunID        int64  `json:"run_id"`
	RunNumber    int    `json:"run_number"`
	WorkflowName string `json:"workflow_name"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion,omitempty"`
	Phase        string `json:"phase"`
	HeadBranch   string `json:"head_branch"`
	HTMLURL      string `json:"html_url"`
	Repository   string `json:"repository"`
	HeadCommit   Commit `json:"head_commit"`
}

// PullRequest reports a newly opened pull request.
type PullRequest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	HTMLURL    string    `json:"html_url"`
	Repository string    `json:"repository"`
	CreatedAt  time.Time `json:"created_at"`
}

// IssueTest reports an end-to-end test issue found by a forced check.
type IssueTest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	HTMLURL    string    `json:"html_url"`
	Repository string    `json:"repository"`
	CreatedAt  time.Time `json:"created_at"`
}

// ManualTrigger carries an operator-supplied request.
type ManualTrigger struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// SystemTest is a self-test probe.
type SystemTest struct {
	TestID      string `json:"test_id"`
	Description string `json:"description"`
}

// SystemError reports a failure inside the agent itself.
type SystemError struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (WorkflowRun) Kind() Kind   { return KindWorkflowRun }
func (PullRequest) Kind() Kind   { return KindPullRequestCreated }
func (IssueTest) Kind() Kind     { return KindIssueTest }
func (ManualTrigger) Kind() Kind { return KindManualTrigger }
func (SystemTest) Kind() Kind    { return KindSystemTest }
func (SystemError) Kind() Kind   { return KindSystemError }

func (WorkflowRun) isPayload()   {}
func (PullRequest) isPayload()   {}
func (IssueTest) isPayload()     {}
func (ManualTrigger) isPayload() {}
func (SystemTest) isPayload()    {}
func (SystemError) isPayload()   {}

// registry maps each kind to its payload decoder.
var registry = map[Kind]func(json.RawMessage) (Payload, error){
	KindWorkflowRun:        decodeAs[WorkflowRun],
	KindPullRequestCreated: decodeAs[PullRequest],
	KindIssueTest:          decodeAs[IssueTest],
	KindManualTrigger:      decodeAs[ManualTrigger],
	KindSystemTest:         decodeAs[SystemTest],
	KindSystemError:        decodeAs[SystemError],
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
