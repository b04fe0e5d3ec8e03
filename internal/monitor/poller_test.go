package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ambient/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedSource replays one response per call and then repeats the last one.
type scriptedSource struct {
	mu      sync.Mutex
	runs    [][]WorkflowRun
	runErrs []error
	prs     [][]PullRequest
	issues  map[int]Issue
	listed  []Issue
	runCall int
	prCall  int
}

func (s *scriptedSource) Repository() string { return "octo/widgets" }

func (s *scriptedSource) ListWorkflowRuns(_ context.Context, _ int) ([]WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.runCall
	s.runCall++
	if i < len(s.runErrs) && s.runErrs[i] != nil {
		return nil, s.runErrs[i]
	}
	if len(s.runs) == 0 {
		return nil, nil
	}
	if i >= len(s.runs) {
		i = len(s.runs) - 1
	}
	return s.runs[i], nil
}

func (s *scriptedSource) ListOpenPullRequests(_ context.Context, _ int) ([]PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.prCall
	s.prCall++
	if len(s.prs) == 0 {
		return nil, nil
	}
	if i >= len(s.prs) {
		i = len(s.prs) - 1
	}
	return s.prs[i], nil
}

func (s *scriptedSource) GetIssue(_ context.Context, number int) (*Issue, error) {
	issue, ok := s.issues[number]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "Not Found"}
	}
	return &issue, nil
}

func (s *scriptedSource) ListIssues(_ context.Context, _ string, _ int) ([]Issue, error) {
	return s.listed, nil
}

// sink records emitted events.
type sink struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

func newSink() *sink { return &sink{notify: make(chan struct{}, 64)} }

func (s *sink) Emit(ev events.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *sink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func run(id int64, status, conclusion string) WorkflowRun {
	return WorkflowRun{ID: id, RunNumber: int(id), Name: "CI", Status: status, Conclusion: conclusion, HeadBranch: "main"}
}

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() PollerConfig {
	return PollerConfig{
		Interval:     10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
		StopTimeout:  time.Second,
		Now:          func() time.Time { return fixedNow },
	}
}

// summary strips the per-event id and timestamp.
type summary struct {
	Kind     events.Kind
	Priority int
	Payload  events.Payload
}

func summarize(evs []events.Event) []summary {
	out := make([]summary, 0, len(evs))
	for _, ev := range evs {
		out = append(out, summary{Kind: ev.Kind(), Priority: ev.Priority(), Payload: ev.Payload()})
	}
	return out
}

func TestPoller_BaselineSuppression(t *testing.T) {
	baseline := []WorkflowRun{
		run(1, "completed", "success"),
		run(2, "completed", "failure"),
		run(3, "in_progress", ""),
	}
	polled := append([]WorkflowRun{run(4, "completed", "failure")}, baseline...)

	src := &scriptedSource{runs: [][]WorkflowRun{baseline, polled, polled}}
	out := newSink()
	p := NewPoller(src, out, testConfig())
	ctx := context.Background()

	require.NoError(t, p.Baseline(ctx))
	require.NoError(t, p.Check(ctx))
	require.NoError(t, p.Check(ctx))

	got := out.all()
	require.Len(t, got, 1)
	wr, ok := events.PayloadAs[events.WorkflowRun](got[0])
	require.True(t, ok)
	assert.Equal(t, int64(4), wr.RunID)
	assert.Equal(t, events.PhaseFailed, wr.Phase)
	assert.Equal(t, events.PriorityHigh, got[0].Priority())
	assert.Equal(t, "octo/widgets", wr.Repository)
}

func TestPoller_DedupIdempotence(t *testing.T) {
	script := func() *scriptedSource {
		return &scriptedSource{
			runs: [][]WorkflowRun{
				{run(10, "completed", "success")},
				{run(11, "queued", ""), run(10, "completed", "success")},
				{run(12, "completed", "timed_out"), run(11, "in_progress", ""), run(10, "completed", "success")},
				{run(12, "completed", "timed_out"), run(11, "completed", "cancelled"), run(10, "completed", "success")},
				{run(13, "completed", "success"), run(12, "completed", "timed_out"), run(11, "completed", "cancelled")},
			},
			prs: [][]PullRequest{
				nil,
				{{Number: 5, Title: "feat", CreatedAt: fixedNow.Add(-time.Minute)}},
			},
		}
	}

	replay := func() []summary {
		out := newSink()
		p := NewPoller(script(), out, testConfig())
		ctx := context.Background()
		require.NoError(t, p.Baseline(ctx))
		for i := 0; i < 6; i++ {
			require.NoError(t, p.Check(ctx))
		}
		return summarize(out.all())
	}

	first := replay()
	for i := 0; i < 3; i++ {
		if diff := cmp.Diff(first, replay()); diff != "" {
			t.Fatalf("replay %d produced different events (-first +replay):\n%s", i, diff)
		}
	}

	kinds := make([]events.Kind, 0, len(first))
	for _, s := range first {
		kinds = append(kinds, s.Kind)
	}
	// started(11), PR 5, failed(12)
	assert.Equal(t, []events.Kind{
		events.KindWorkflowRun,
		events.KindPullRequestCreated,
		events.KindWorkflowRun,
	}, kinds)

	// Runs 11, 12, 13 and PR 5 were first seen after the baseline.
	assert.LessOrEqual(t, len(first), 4)
}

func TestPoller_StartedRunReportedOnce(t *testing.T) {
	src := &scriptedSource{runs: [][]WorkflowRun{
		nil,
		{run(7, "in_progress", "")},
		{run(7, "completed", "failure")},
		{run(7, "completed", "failure")},
	}}
	out := newSink()
	p := NewPoller(src, out, testConfig())
	ctx := context.Background()

	require.NoError(t, p.Baseline(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Check(ctx))
	}

	got := out.all()
	require.Len(t, got, 1, "one identifier seen after the baseline yields at most one event")
	started, ok := events.PayloadAs[events.WorkflowRun](got[0])
	require.True(t, ok)
	assert.Equal(t, int64(7), started.RunID)
	assert.Equal(t, events.PhaseStarted, started.Phase)
	assert.Equal(t, events.PriorityElevated, got[0].Priority())
	assert.Equal(t, 1, p.Status().SeenRuns)
}

func TestPoller_StartedRunThatSucceedsIsQuiet(t *testing.T) {
	src := &scriptedSource{runs: [][]WorkflowRun{
		nil,
		{run(8, "queued", "")},
		{run(8, "completed", "success")},
	}}
	out := newSink()
	p := NewPoller(src, out, testConfig())
	ctx := context.Background()

	require.NoError(t, p.Baseline(ctx))
	require.NoError(t, p.Check(ctx))
	require.NoError(t, p.Check(ctx))

	assert.Len(t, out.all(), 1)
}

func TestPoller_PullRequests(t *testing.T) {
	recent := PullRequest{Number: 21, Title: "Add retries", User: User{Login: "octo"}, CreatedAt: fixedNow.Add(-30 * time.Minute)}
	stale := PullRequest{Number: 20, Title: "Old work", CreatedAt: fixedNow.Add(-5 * time.Hour)}
	existing := PullRequest{Number: 19, Title: "Baseline", CreatedAt: fixedNow.Add(-time.Minute)}

	src := &scriptedSource{prs: [][]PullRequest{
		{existing},
		{recent, stale, existing},
	}}
	out := newSink()
	p := NewPoller(src, out, testConfig())
	ctx := context.Background()

	require.NoError(t, p.Baseline(ctx))
	require.NoError(t, p.Check(ctx))
	require.NoError(t, p.Check(ctx))

	got := out.all()
	require.Len(t, got, 1)
	pr, ok := events.PayloadAs[events.PullRequest](got[0])
	require.True(t, ok)
	assert.Equal(t, 21, pr.Number)
	assert.Equal(t, "octo", pr.Author)
	assert.Equal(t, events.PriorityNormal, got[0].Priority())
	assert.Equal(t, 3, p.Status().SeenPullRequests)
}

func TestPoller_LoopSurvivesErrors(t *testing.T) {
	boom := errors.New("connection reset")
	src := &scriptedSource{
		runs:    [][]WorkflowRun{nil, nil, nil, {run(30, "completed", "failure")}},
		runErrs: []error{nil, boom, boom},
	}
	out := newSink()
	p := NewPoller(src, out, testConfig())

	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-out.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never recovered from errors")
	}
	got := out.all()
	require.NotEmpty(t, got)
	wr, _ := events.PayloadAs[events.WorkflowRun](got[0])
	assert.Equal(t, int64(30), wr.RunID)
	assert.True(t, p.Status().Running)
}

func TestPoller_StartStop(t *testing.T) {
	src := &scriptedSource{runs: [][]WorkflowRun{{run(1, "completed", "failure")}}}
	p := NewPoller(src, newSink(), testConfig())

	ctx := context.Background()
	p.Start(ctx)
	p.Start(ctx)
	assert.True(t, p.Status().Running)
	assert.Equal(t, 1, p.Status().SeenRuns)

	assert.True(t, p.Stop())
	assert.True(t, p.Stop())
	assert.False(t, p.Status().Running)
}

func TestPoller_BaselineFailureStillPolls(t *testing.T) {
	src := &scriptedSource{
		runs:    [][]WorkflowRun{nil, {run(40, "completed", "startup_failure")}},
		runErrs: []error{errors.New("503")},
	}
	out := newSink()
	p := NewPoller(src, out, testConfig())

	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-out.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event after a failed baseline")
	}
}

func TestPoller_ForceCheck(t *testing.T) {
	testIssue := Issue{
		Number: 99,
		Title:  TestIssuePrefix + " ping",
		State:  "open",
		Labels: []Label{{Name: TestIssueLabel}},
	}
	plain := Issue{Number: 100, Title: "Regular bug", State: "open"}
	closed := testIssue
	closed.Number = 101
	closed.State = "closed"

	src := &scriptedSource{
		issues: map[int]Issue{99: testIssue, 100: plain, 101: closed},
		listed: []Issue{testIssue, closed},
	}
	out := newSink()
	p := NewPoller(src, out, testConfig())
	ctx := context.Background()

	n, err := p.ForceCheck(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.ForceCheck(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = p.ForceCheck(ctx, 404)
	assert.True(t, IsNotFound(err))

	n, err = p.ForceCheck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := out.all()
	require.Len(t, got, 2)
	for _, ev := range got {
		it, ok := events.PayloadAs[events.IssueTest](ev)
		require.True(t, ok)
		assert.Equal(t, 99, it.Number)
	}
	// Forced checks never touch the dedup sets.
	assert.Equal(t, 0, p.Status().SeenRuns)
}

type pollObserver struct {
	mu   sync.Mutex
	ok   int
	fail int
}

func (o *pollObserver) PollCompleted(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.fail++
	} else {
		o.ok++
	}
}

func TestPoller_StatusAndObserver(t *testing.T) {
	obs := &pollObserver{}
	cfg := testConfig()
	cfg.Observer = obs
	src := &scriptedSource{
		runs:    [][]WorkflowRun{{run(1, "completed", "success")}},
		runErrs: []error{nil, &APIError{StatusCode: 403, Message: "API rate limit exceeded"}},
	}
	p := NewPoller(src, newSink(), cfg)
	ctx := context.Background()

	require.NoError(t, p.Baseline(ctx))
	err := p.Check(ctx)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	require.NoError(t, p.Check(ctx))

	st := p.Status()
	assert.Equal(t, "octo/widgets", st.Repository)
	assert.Equal(t, fixedNow, st.LastCheck)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, st.SeenRuns)
	assert.Equal(t, 1, obs.ok)
	assert.Equal(t, 1, obs.fail)
}
