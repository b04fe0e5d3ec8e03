// Package ambient wires the event bus, the GitHub poller, the inbox and the
// assistant session into one long-running agent.
package ambient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ambient/internal/agent"
	"ambient/internal/config"
	"ambient/internal/events"
	"ambient/internal/inbox"
	"ambient/internal/ledger"
	"ambient/internal/logging"
	"ambient/internal/metrics"
	"ambient/internal/monitor"
	"ambient/internal/prompt"
)

const manualSource = "manual"

// ErrNotRunning is returned by self-tests on an agent that was not started.
var ErrNotRunning = errors.New("ambient agent is not running")

// testIssueTracker is implemented by *monitor.Client.
type testIssueTracker interface {
	CreateTestIssue(ctx context.Context, note string) (*monitor.Issue, error)
	CloseTestIssue(ctx context.Context, number int, comment string) error
}

// Agent is the orchestrator. Create with New; Start and Stop it once.
type Agent struct {
	config *config.Config

	bus       *events.Bus
	source    monitor.Source // nil when GitHub is not configured
	poller    *monitor.Poller
	session   agent.Session
	client    *agent.Client // nil when a session was injected
	deliverer *agent.Deliverer
	renderer  *prompt.Renderer
	ledger    *ledger.Store // nil when disabled
	metrics   *metrics.Registry
	inbox     *inbox.Watcher // nil when disabled
	callbacks agent.Callbacks

	mu            sync.Mutex
	running       bool
	waiters       map[string]chan struct{}
	metricsCancel context.CancelFunc
	metricsDone   chan struct{}
	closeOnce     sync.Once
}

// Option customizes an Agent.
type Option func(*Agent)

// WithSession replaces the assistant CLI client.
func WithSession(s agent.Session) Option {
	return func(a *Agent) { a.session = s }
}

// WithSource replaces the GitHub client. The poller is created even when no
// token is configured.
func WithSource(s monitor.Source) Option {
	return func(a *Agent) { a.source = s }
}

// WithCallbacks receives streamed assistant output.
func WithCallbacks(cb agent.Callbacks) Option {
	return func(a *Agent) { a.callbacks = cb }
}

// New builds every component from cfg and registers the event handlers.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{
		config:   cfg,
		renderer: prompt.New(),
		metrics:  metrics.New(),
		waiters:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.bus = events.NewBus(events.BusConfig{
		IdleInterval: cfg.GetBusIdleInterval(),
		ErrorBackoff: cfg.GetBusErrorBackoff(),
		StopTimeout:  cfg.GetBusStopTimeout(),
		Observer:     a.metrics,
	})

	if a.session == nil {
		a.client = agent.NewClient(agent.ClientConfig{
			Binary:           cfg.Agent.Binary,
			ExtraArgs:        cfg.Agent.ExtraArgs,
			Dir:              cfg.Workspace,
			StreamTimeout:    cfg.GetStreamTimeout(),
			TerminationGrace: cfg.GetTerminationGrace(),
		})
		a.session = a.client
	}
	a.deliverer = agent.NewDeliverer(a.session, agent.NewFileSink(cfg.Agent.FallbackDir),
		agent.WithDeliveryObserver(a.metrics))

	if a.source == nil && cfg.HasGitHub() {
		client, err := monitor.NewClient(monitor.ClientConfig{
			BaseURL:    cfg.GitHub.APIURL,
			Token:      cfg.GitHub.Token,
			Repository: cfg.GitHub.Repository,
		})
		if err != nil {
			return nil, fmt.Errorf("github client: %w", err)
		}
		a.source = client
	}
	if a.source != nil {
		a.poller = monitor.NewPoller(a.source, a.bus, monitor.PollerConfig{
			Interval:       cfg.GetPollInterval(),
			ErrorBackoff:   cfg.GetPollErrorBackoff(),
			StopTimeout:    cfg.GetPollStopTimeout(),
			RecentPRWindow: cfg.GetRecentPRWindow(),
			PageSize:       cfg.GitHub.PageSize,
			BaselineSize:   cfg.GitHub.BaselineSize,
			Observer:       a.metrics,
		})
	}

	if cfg.Ledger.Enabled {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		a.ledger = store
	}

	if cfg.Inbox.Enabled {
		w, err := inbox.NewWatcher(inbox.Config{Dir: cfg.Inbox.Dir, Debounce: cfg.GetInboxDebounce()}, a.bus)
		if err != nil {
			a.closeLedger()
			return nil, fmt.Errorf("inbox: %w", err)
		}
		a.inbox = w
	}

	a.registerHandlers()
	return a, nil
}

// Client returns the assistant CLI client, or nil when a session was injected.
func (a *Agent) Client() *agent.Client { return a.client }

// Bus returns the event bus.
func (a *Agent) Bus() *events.Bus { return a.bus }

// Ledger returns the exchange history, or nil when disabled.
func (a *Agent) Ledger() *ledger.Store { return a.ledger }

// Metrics returns the metrics registry.
func (a *Agent) Metrics() *metrics.Registry { return a.metrics }

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the bus, then the poller, the inbox and the metrics server.
// Polling is skipped with a warning when GitHub is not configured.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryOrchestrator, "start")
	defer timer.Stop()

	a.bus.Start(ctx)

	if a.poller != nil {
		a.poller.Start(ctx)
	} else {
		logging.Get(logging.CategoryOrchestrator).Warn("GitHub polling disabled: set GITHUB_TOKEN and a repository")
	}

	if a.inbox != nil {
		if err := a.inbox.Start(ctx); err != nil {
			logging.Get(logging.CategoryOrchestrator).Error("inbox not started: %v", err)
		}
	}

	if a.config.Metrics.Enabled {
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		a.mu.Lock()
		a.metricsCancel, a.metricsDone = cancel, done
		a.mu.Unlock()
		go func() {
			defer close(done)
			if err := a.metrics.Serve(mctx, a.config.Metrics.Listen); err != nil {
				logging.Get(logging.CategoryOrchestrator).Error("metrics server: %v", err)
			}
		}()
	}

	logging.Orchestrator("ambient agent started")
	return nil
}

// Stop shuts components down in reverse order, each bounded by its own
// timeout, and closes the ledger. Returns false if any component timed out.
func (a *Agent) Stop() bool {
	a.mu.Lock()
	wasRunning := a.running
	a.running = false
	cancel, done := a.metricsCancel, a.metricsDone
	a.metricsCancel, a.metricsDone = nil, nil
	a.mu.Unlock()

	ok := true
	if wasRunning {
		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				ok = false
			}
		}
		if a.inbox != nil && !a.inbox.Stop() {
			ok = false
		}
		if a.poller != nil && !a.poller.Stop() {
			ok = false
		}
		if !a.bus.Stop() {
			ok = false
		}
	}

	a.Close()
	if wasRunning {
		logging.Orchestrator("ambient agent stopped (clean=%v, pending=%d)", ok, a.bus.Pending())
	}
	return ok
}

// Close releases the ledger. Stop calls it; use it directly for an agent
// that was never started.
func (a *Agent) Close() {
	a.closeLedger()
}

func (a *Agent) closeLedger() {
	a.closeOnce.Do(func() {
		if a.ledger == nil {
			return
		}
		if err := a.ledger.Close(); err != nil {
			logging.Get(logging.CategoryLedger).Error("closing ledger: %v", err)
		}
	})
}

// IsRunning reports whether Start has been called without a matching Stop.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Status is a snapshot of the agent.
type Status struct {
	Running   bool            `json:"running"`
	Pending   int             `json:"pending"`
	SessionID string          `json:"session_id,omitempty"`
	Poller    *monitor.Status `json:"poller,omitempty"`
	Inbox     *inbox.Stats    `json:"inbox,omitempty"`
}

// Status returns a snapshot of the agent and its components.
func (a *Agent) Status() Status {
	s := Status{
		Running:   a.IsRunning(),
		Pending:   a.bus.Pending(),
		SessionID: a.session.SessionID(),
	}
	if a.poller != nil {
		ps := a.poller.Status()
		s.Poller = &ps
	}
	if a.inbox != nil {
		is := a.inbox.Stats()
		s.Inbox = &is
	}
	return s
}

// -----------------------------------------------------------------------------
// Triggers
// -----------------------------------------------------------------------------

// TriggerManual queues a manual analysis request.
func (a *Agent) TriggerManual(kind, content string) error {
	ev, err := manualEvent(kind, content)
	if err != nil {
		return err
	}
	a.bus.Emit(ev)
	logging.Orchestrator("manual trigger %q queued", kind)
	return nil
}

// Trigger delivers a manual analysis request synchronously, bypassing the
// queue. Used by one-shot commands that never start the agent.
func (a *Agent) Trigger(ctx context.Context, kind, content string) (agent.Outcome, error) {
	ev, err := manualEvent(kind, content)
	if err != nil {
		return agent.Outcome{}, err
	}
	out, _ := a.deliver(ctx, ev)
	if !out.OK {
		return out, fmt.Errorf("manual trigger not delivered: %w", out.Err)
	}
	return out, nil
}

func manualEvent(kind, content string) (events.Event, error) {
	if strings.TrimSpace(content) == "" {
		return events.Event{}, errors.New("manual trigger content is empty")
	}
	if kind == "" {
		kind = "manual"
	}
	return events.New(events.ManualTrigger{Type: kind, Content: content}, manualSource, events.PriorityElevated)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (a *Agent) registerHandlers() {
	a.bus.Register(events.KindWorkflowRun, a.handlePrompted)
	a.bus.Register(events.KindPullRequestCreated, a.handlePrompted)
	a.bus.Register(events.KindManualTrigger, a.handlePrompted)
	a.bus.Register(events.KindSystemTest, a.handleSystemTest)
	a.bus.Register(events.KindIssueTest, a.handleIssueTest)
	a.bus.Register(events.KindSystemError, a.handleSystemError)
}

func (a *Agent) handlePrompted(ctx context.Context, ev events.Event) error {
	describe(ev)
	out, delivered := a.deliver(ctx, ev)
	if delivered && !out.OK {
		return fmt.Errorf("delivery of %s failed: %w", ev.ID(), out.Err)
	}
	return nil
}

// deliver renders ev and pushes it through the fallback chain. The second
// result is false when the event needed no prompt.
func (a *Agent) deliver(ctx context.Context, ev events.Event) (agent.Outcome, bool) {
	text, ok := a.renderer.Render(ev)
	if !ok {
		logging.OrchestratorDebug("%s needs no prompt", ev)
		return agent.Outcome{Channel: agent.ChannelNone, OK: true}, false
	}

	started := time.Now()
	out := a.deliverer.Deliver(ctx, ev.Source(), text, a.callbacks)
	switch {
	case !out.OK:
		logging.Get(logging.CategoryOrchestrator).Error("%s not delivered: %v", ev, out.Err)
	case out.Channel == agent.ChannelFile:
		logging.Get(logging.CategoryOrchestrator).Warn("%s saved for manual pickup: %s", ev, out.Path)
	default:
		logging.Orchestrator("%s delivered via %s in %v", ev, out.Channel, out.Duration.Round(time.Millisecond))
	}

	a.record(ctx, ev, text, started, out)
	return out, true
}

func (a *Agent) record(ctx context.Context, ev events.Event, text string, started time.Time, out agent.Outcome) {
	if a.ledger == nil {
		return
	}
	entry := &ledger.Entry{
		EventID:     ev.ID(),
		Kind:        string(ev.Kind()),
		Source:      ev.Source(),
		Priority:    ev.Priority(),
		Channel:     string(out.Channel),
		OK:          out.OK,
		SessionID:   out.SessionID,
		PromptChars: utf8.RuneCountInString(text),
		StartedAt:   started,
		Duration:    out.Duration,
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	// The ledger outlives a cancelled consumer context.
	if err := a.ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
		logging.Get(logging.CategoryLedger).Error("recording %s: %v", ev.ID(), err)
	}
}

func describe(ev events.Event) {
	switch p := ev.Payload().(type) {
	case events.WorkflowRun:
		logging.Orchestrator("workflow %q run #%d %s", p.WorkflowName, p.RunNumber, p.Phase)
	case events.PullRequest:
		logging.Orchestrator("pull request #%d %q by %s", p.Number, p.Title, p.Author)
	case events.ManualTrigger:
		logging.Orchestrator("manual analysis %q (%d chars)", p.Type, len(p.Content))
	}
}

func (a *Agent) handleSystemTest(_ context.Context, ev events.Event) error {
	p, _ := events.PayloadAs[events.SystemTest](ev)
	logging.Orchestrator("system test %s handled: %s", p.TestID, p.Description)
	a.resolve(systemTestKey(p.TestID))
	return nil
}

func (a *Agent) handleIssueTest(_ context.Context, ev events.Event) error {
	p, _ := events.PayloadAs[events.IssueTest](ev)
	logging.Orchestrator("test issue #%d handled: %s", p.Number, p.Title)
	a.resolve(issueTestKey(p.Number))
	return nil
}

func (a *Agent) handleSystemError(_ context.Context, ev events.Event) error {
	p, _ := events.PayloadAs[events.SystemError](ev)
	logging.Get(logging.CategoryOrchestrator).Error("system error in %s: %s", p.Component, p.Message)
	return nil
}
