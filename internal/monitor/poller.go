// Package monitor polls GitHub for repository state changes and turns newly
// observed workflow runs, pull requests and test issues into bus events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ambient/internal/events"
	"ambient/internal/logging"
)

// =============================================================================
// POLLER
// =============================================================================
//
// The poller captures a baseline of currently visible runs and pull requests,
// then polls on a fixed interval. Anything already in the baseline never
// produces an event. Newly seen records are classified and emitted once.

// Source is the subset of the GitHub API the poller reads.
type Source interface {
	Repository() string
	ListWorkflowRuns(ctx context.Context, perPage int) ([]WorkflowRun, error)
	ListOpenPullRequests(ctx context.Context, perPage int) ([]PullRequest, error)
	GetIssue(ctx context.Context, number int) (*Issue, error)
	ListIssues(ctx context.Context, label string, perPage int) ([]Issue, error)
}

// Emitter accepts events; *events.Bus satisfies it.
type Emitter interface {
	Emit(ev events.Event)
}

// Observer is notified after every poll cycle.
type Observer interface {
	PollCompleted(err error)
}

const (
	// TestIssueLabel marks issues created for end-to-end checks.
	TestIssueLabel = "ambient-test"
	// TestIssuePrefix is the required title prefix of a test issue.
	TestIssuePrefix = "[AMBIENT-TEST]"

	eventSource = "github_monitor"
)

// failingConclusions are run conclusions reported as failures.
var failingConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"startup_failure": true,
}

// activeStatuses are run statuses reported as started.
var activeStatuses = map[string]bool{
	"queued":      true,
	"in_progress": true,
	"waiting":     true,
	"pending":     true,
	"requested":   true,
}

// PollerConfig configures polling cadence and page sizes.
type PollerConfig struct {
	Interval       time.Duration // Between successful cycles (5s)
	ErrorBackoff   time.Duration // After a failed cycle (30s)
	StopTimeout    time.Duration // Max wait in Stop (10s)
	RecentPRWindow time.Duration // Only PRs created within this window emit (2h)
	PageSize       int           // Runs/PRs fetched per cycle (5)
	BaselineSize   int           // Runs/PRs fetched for the baseline (10)
	Now            func() time.Time
	Observer       Observer
}

// DefaultPollerConfig returns the standard cadence.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       5 * time.Second,
		ErrorBackoff:   30 * time.Second,
		StopTimeout:    10 * time.Second,
		RecentPRWindow: 2 * time.Hour,
		PageSize:       5,
		BaselineSize:   10,
		Now:            time.Now,
	}
}

// Status is a point-in-time snapshot of the poller.
type Status struct {
	Repository       string    `json:"repository"`
	Running          bool      `json:"running"`
	LastCheck        time.Time `json:"last_check"`
	LastError        string    `json:"last_error,omitempty"`
	SeenRuns         int       `json:"seen_runs"`
	SeenPullRequests int       `json:"seen_pull_requests"`
}

// Poller watches one repository. Create with NewPoller.
type Poller struct {
	source  Source
	emitter Emitter
	config  PollerConfig

	mu sync.Mutex
	// Grow-only dedup sets seeded by the baseline.
	seenRuns map[int64]struct{}
	seenPRs  map[int]struct{}

	lastCheck time.Time
	lastErr   error

	isRunning bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	cancel    context.CancelFunc
}

// NewPoller creates a poller. Zero config fields take the defaults.
func NewPoller(source Source, emitter Emitter, cfg PollerConfig) *Poller {
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.RecentPRWindow <= 0 {
		cfg.RecentPRWindow = def.RecentPRWindow
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.BaselineSize <= 0 {
		cfg.BaselineSize = def.BaselineSize
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Poller{
		source:   source,
		emitter:  emitter,
		config:   cfg,
		seenRuns: make(map[int64]struct{}),
		seenPRs:  make(map[int]struct{}),
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start captures the baseline and then launches the polling goroutine.
// The baseline completes before the first poll. A failed baseline is logged
// and polling starts anyway. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.mu.Unlock()

	if err := p.Baseline(ctx); err != nil {
		logging.Get(logging.CategoryMonitor).Warn("baseline for %s incomplete: %v", p.source.Repository(), err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if !p.isRunning {
		// Stopped while the baseline was in flight.
		p.mu.Unlock()
		cancel()
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.cancel = cancel
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.loop(loopCtx, stop, done)
	logging.Monitor("monitoring %s every %v", p.source.Repository(), p.config.Interval)
}

// Stop signals the polling goroutine and waits up to StopTimeout.
// An in-flight request is cancelled if the wait times out. Returns false on timeout.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	if !p.isRunning || p.stopCh == nil {
		p.isRunning = false
		p.mu.Unlock()
		return true
	}
	p.isRunning = false
	close(p.stopCh)
	p.stopCh = nil
	done, cancel := p.doneCh, p.cancel
	p.mu.Unlock()

	select {
	case <-done:
		cancel()
		logging.Monitor("monitoring stopped")
		return true
	case <-time.After(p.config.StopTimeout):
		cancel()
		logging.Get(logging.CategoryMonitor).Warn("poll loop did not stop within %v", p.config.StopTimeout)
		return false
	}
}

func (p *Poller) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	wait := p.config.Interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := p.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsRateLimited(err) {
				logging.Get(logging.CategoryMonitor).Warn("rate limited, backing off %v: %v", p.config.ErrorBackoff, err)
			} else {
				logging.Get(logging.CategoryMonitor).Error("poll failed, backing off %v: %v", p.config.ErrorBackoff, err)
			}
			wait = p.config.ErrorBackoff
			continue
		}
		wait = p.config.Interval
	}
}

// -----------------------------------------------------------------------------
// Baseline and polling
// -----------------------------------------------------------------------------

// Baseline marks the currently visible runs and pull requests as seen.
// Whatever part of the snapshot was fetched is recorded even if the other half failed.
func (p *Poller) Baseline(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryMonitor, "baseline")
	defer timer.Stop()

	var (
		runs []WorkflowRun
		prs  []PullRequest
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		runs, err = p.source.ListWorkflowRuns(ctx, p.config.BaselineSize)
		return err
	})
	g.Go(func() error {
		var err error
		prs, err = p.source.ListOpenPullRequests(ctx, p.config.BaselineSize)
		return err
	})
	err := g.Wait()

	p.mu.Lock()
	for _, run := range runs {
		p.seenRuns[run.ID] = struct{}{}
	}
	for _, pr := range prs {
		p.seenPRs[pr.Number] = struct{}{}
	}
	p.mu.Unlock()

	logging.Monitor("baseline: %d workflow runs, %d pull requests already seen", len(runs), len(prs))
	return err
}

// Check runs one poll cycle and emits events for new state.
// The events emitted depend only on the sequence of API responses.
func (p *Poller) Check(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryMonitor, "poll cycle")
	defer timer.StopWithThreshold(p.config.Interval)

	var errs []error

	runs, err := p.source.ListWorkflowRuns(ctx, p.config.PageSize)
	if err != nil {
		errs = append(errs, err)
	} else {
		p.emitAll(p.classifyRuns(runs))
	}

	prs, err := p.source.ListOpenPullRequests(ctx, p.config.PageSize)
	if err != nil {
		errs = append(errs, err)
	} else {
		p.emitAll(p.classifyPullRequests(prs))
	}

	err = errors.Join(errs...)
	p.mu.Lock()
	p.lastCheck = p.config.Now()
	p.lastErr = err
	p.mu.Unlock()

	if obs := p.config.Observer; obs != nil {
		obs.PollCompleted(err)
	}
	return err
}

func (p *Poller) emitAll(evs []events.Event) {
	for _, ev := range evs {
		p.emitter.Emit(ev)
	}
}

// classifyRuns updates the run dedup set and returns events to emit.
func (p *Poller) classifyRuns(runs []WorkflowRun) []events.Event {
	repo := p.source.Repository()

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.Event
	for _, run := range runs {
		failed := run.Status == "completed" && failingConclusions[run.Conclusion]

		// One event per run id at most, whatever its later states.
		if _, seen := p.seenRuns[run.ID]; seen {
			continue
		}
		p.seenRuns[run.ID] = struct{}{}

		switch {
		case activeStatuses[run.Status] && run.Conclusion == "":
			out = append(out, runEvent(repo, run, events.PhaseStarted, events.PriorityElevated))
		case failed:
			out = append(out, runEvent(repo, run, events.PhaseFailed, events.PriorityHigh))
		default:
			logging.MonitorDebug("run %d (%s) %s/%s needs no event", run.ID, run.Name, run.Status, run.Conclusion)
		}
	}
	return out
}

func (p *Poller) classifyPullRequests(prs []PullRequest) []events.Event {
	repo := p.source.Repository()
	cutoff := p.config.Now().Add(-p.config.RecentPRWindow)

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.Event
	for _, pr := range prs {
		if _, seen := p.seenPRs[pr.Number]; seen {
			continue
		}
		p.seenPRs[pr.Number] = struct{}{}
		if pr.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, events.MustNew(events.PullRequest{
			Number:     pr.Number,
			Title:      pr.Title,
			Author:     pr.User.Login,
			HTMLURL:    pr.HTMLURL,
			Repository: repo,
			CreatedAt:  pr.CreatedAt,
		}, eventSource, events.PriorityNormal))
		logging.Monitor("new pull request #%d: %s", pr.Number, pr.Title)
	}
	return out
}

func runEvent(repo string, run WorkflowRun, phase string, priority int) events.Event {
	payload := events.WorkflowRun{
		RunID:        run.ID,
		RunNumber:    run.RunNumber,
		WorkflowName: run.Name,
		Status:       run.Status,
		Conclusion:   run.Conclusion,
		Phase:        phase,
		HeadBranch:   run.HeadBranch,
		HTMLURL:      run.HTMLURL,
		Repository:   repo,
		HeadCommit:   events.Commit{SHA: run.HeadSHA},
	}
	if hc := run.HeadCommit; hc != nil {
		payload.HeadCommit = events.Commit{SHA: hc.ID, Message: hc.Message, Author: hc.Author.Name}
	}
	logging.Monitor("workflow %q run #%d %s (%s)", run.Name, run.RunNumber, phase, run.HTMLURL)
	return events.MustNew(payload, eventSource, priority)
}

// -----------------------------------------------------------------------------
// Out-of-band checks
// -----------------------------------------------------------------------------

// IsTestIssue reports whether issue is an open end-to-end test issue.
func IsTestIssue(issue Issue) bool {
	return issue.PullRequest == nil &&
		strings.EqualFold(issue.State, "open") &&
		strings.HasPrefix(issue.Title, TestIssuePrefix) &&
		issue.HasLabel(TestIssueLabel)
}

// ForceCheck synchronously looks for test issues and emits an IssueTest event
// for each match. With issueNumber > 0 only that issue is fetched. It does not
// touch the dedup sets. Returns the number of events emitted.
func (p *Poller) ForceCheck(ctx context.Context, issueNumber int) (int, error) {
	var candidates []Issue
	if issueNumber > 0 {
		issue, err := p.source.GetIssue(ctx, issueNumber)
		if err != nil {
			return 0, fmt.Errorf("force check #%d: %w", issueNumber, err)
		}
		candidates = append(candidates, *issue)
	} else {
		issues, err := p.source.ListIssues(ctx, TestIssueLabel, 10)
		if err != nil {
			return 0, fmt.Errorf("force check: %w", err)
		}
		candidates = issues
	}

	repo := p.source.Repository()
	emitted := 0
	for _, issue := range candidates {
		if !IsTestIssue(issue) {
			logging.MonitorDebug("issue #%d is not a test issue", issue.Number)
			continue
		}
		p.emitter.Emit(events.MustNew(events.IssueTest{
			Number:     issue.Number,
			Title:      issue.Title,
			HTMLURL:    issue.HTMLURL,
			Repository: repo,
			CreatedAt:  issue.CreatedAt,
		}, eventSource, events.PriorityElevated))
		emitted++
	}
	logging.Monitor("force check emitted %d test issue events", emitted)
	return emitted, nil
}

// Status returns a snapshot of the poller state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Repository:       p.source.Repository(),
		Running:          p.isRunning,
		LastCheck:        p.lastCheck,
		SeenRuns:         len(p.seenRuns),
		SeenPullRequests: len(p.seenPRs),
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}
