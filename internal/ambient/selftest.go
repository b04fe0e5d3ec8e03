package ambient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ambient/internal/events"
	"ambient/internal/logging"
)

const selfTestSource = "selftest"

func systemTestKey(id string) string { return "system:" + id }
func issueTestKey(n int) string      { return "issue:" + strconv.Itoa(n) }

// await registers a waiter for key. The returned channel closes when a
// handler resolves key.
func (a *Agent) await(key string) <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.waiters[key]
	if !ok {
		ch = make(chan struct{})
		a.waiters[key] = ch
	}
	return ch
}

func (a *Agent) forget(key string) {
	a.mu.Lock()
	delete(a.waiters, key)
	a.mu.Unlock()
}

func (a *Agent) resolve(key string) {
	a.mu.Lock()
	ch, ok := a.waiters[key]
	delete(a.waiters, key)
	a.mu.Unlock()
	if ok {
		close(ch)
	}
}

// RunSelfTest pushes a SystemTest event through the running bus and waits
// for its handler.
func (a *Agent) RunSelfTest(ctx context.Context) error {
	if !a.IsRunning() {
		return ErrNotRunning
	}

	id := uuid.NewString()
	key := systemTestKey(id)
	done := a.await(key)
	defer a.forget(key)

	start := time.Now()
	a.bus.Emit(events.MustNew(events.SystemTest{
		TestID:      id,
		Description: "event bus round trip",
	}, selfTestSource, events.PriorityCritical))

	select {
	case <-done:
		logging.Orchestrator("self-test %s passed in %v", id, time.Since(start).Round(time.Millisecond))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("self-test %s: %w", id, ctx.Err())
	}
}

// RunIssueSelfTest exercises the GitHub path end to end: it opens a test
// issue, force-checks it, waits for the IssueTest handler and closes the
// issue again.
func (a *Agent) RunIssueSelfTest(ctx context.Context) error {
	if !a.IsRunning() {
		return ErrNotRunning
	}
	if a.poller == nil {
		return errors.New("issue self-test needs GitHub access (token and repository)")
	}
	tracker, ok := a.source.(testIssueTracker)
	if !ok {
		return errors.New("GitHub source cannot create test issues")
	}

	issue, err := tracker.CreateTestIssue(ctx, "ambient selftest --issue")
	if err != nil {
		return fmt.Errorf("creating test issue: %w", err)
	}

	result := "failed"
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		comment := fmt.Sprintf("Ambient agent self-test %s. Closing.", result)
		if err := tracker.CloseTestIssue(closeCtx, issue.Number, comment); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("failed to close test issue #%d: %v", issue.Number, err)
		}
	}()

	key := issueTestKey(issue.Number)
	done := a.await(key)
	defer a.forget(key)

	n, err := a.poller.ForceCheck(ctx, issue.Number)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("test issue #%d was not recognized", issue.Number)
	}

	select {
	case <-done:
		result = "passed"
		logging.Orchestrator("issue self-test passed (#%d)", issue.Number)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("issue self-test #%d: %w", issue.Number, ctx.Err())
	}
}
