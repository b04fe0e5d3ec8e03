// Package agent drives the external assistant CLI: streaming exchanges with
// session continuity, plus the resume and file fallbacks used when streaming fails.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"ambient/internal/logging"
)

// execCommandContext is swapped out in tests.
var execCommandContext = exec.CommandContext

// ErrNoSessions is returned by ResumeLatest when the CLI lists no sessions.
var ErrNoSessions = errors.New("no assistant sessions to resume")

// Callbacks receive streamed text. All run on the caller's goroutine, in order.
// Nil callbacks are skipped.
type Callbacks struct {
	OnUser   func(text string) // echo of the submitted prompt, at most once
	OnChunk  func(text string) // assistant fragments as they arrive
	OnResult func(text string) // final result text
}

// ClientConfig configures the assistant CLI subprocess.
type ClientConfig struct {
	Binary           string        // executable name or path (cursor-agent)
	ExtraArgs        []string      // appended to every streaming invocation
	Dir              string        // working directory; empty = current
	Env              []string      // extra KEY=VALUE pairs
	StreamTimeout    time.Duration // per-exchange limit (10m); 0 disables
	TerminationGrace time.Duration // interrupt-to-kill delay (5s)
	ProbeTimeout     time.Duration // Available (5s)
	ListTimeout      time.Duration // session listing (10s)
	ResumeTimeout    time.Duration // resume fallback (30s)
}

// DefaultClientConfig returns the standard timings for cursor-agent.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Binary:           "cursor-agent",
		StreamTimeout:    10 * time.Minute,
		TerminationGrace: 5 * time.Second,
		ProbeTimeout:     5 * time.Second,
		ListTimeout:      10 * time.Second,
		ResumeTimeout:    30 * time.Second,
	}
}

// Client runs exchanges against the assistant CLI. The first session id the
// CLI reports is kept and every later exchange resumes it. Exchanges are
// serialized so one conversation stays ordered.
type Client struct {
	config ClientConfig

	// mu serializes exchanges.
	mu sync.Mutex

	sessionMu sync.RWMutex
	sessionID string
}

// NewClient creates a client. Zero config fields take the defaults.
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.StreamTimeout < 0 {
		cfg.StreamTimeout = 0
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = def.TerminationGrace
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = def.ListTimeout
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = def.ResumeTimeout
	}
	return &Client{config: cfg}
}

// Binary returns the configured executable.
func (c *Client) Binary() string {
	return c.config.Binary
}

// SessionID returns the captured session id, or "" before the first exchange reports one.
func (c *Client) SessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

// Available runs `<binary> --help` and reports whether it exits cleanly.
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	cmd := c.command(ctx, "--help")
	if err := cmd.Run(); err != nil {
		logging.AgentDebug("%s --help failed: %v", c.config.Binary, err)
		return false
	}
	return true
}

// SendStream runs one exchange and reports whether the CLI exited with status 0.
// Output already delivered to callbacks is not retracted on failure.
func (c *Client) SendStream(ctx context.Context, prompt string, cb Callbacks) bool {
	if err := c.Stream(ctx, prompt, cb); err != nil {
		logging.Get(logging.CategoryAgent).Warn("stream exchange failed: %v", err)
		return false
	}
	return true
}

// Stream runs one exchange, delivering stream-json events to cb as they arrive.
// It blocks until the CLI exits. A nil error means exit status 0.
func (c *Client) Stream(ctx context.Context, prompt string, cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.StreamTimeout)
		defer cancel()
	}

	session := c.SessionID()
	cmd := c.command(ctx, c.streamArgs(prompt, session)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	timer := logging.StartTimer(logging.CategoryAgent, "stream exchange")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.config.Binary, err)
	}
	log := logging.Get(logging.CategoryAgent).With("pid", cmd.Process.Pid)
	log.Debug("started %s (resume=%q)", c.config.Binary, session)

	userDelivered := false
	foreign := 0
	dropped, scanErr := scanLines(stdout, maxLineBytes, func(line []byte) {
		if len(bytes.TrimSpace(line)) == 0 {
			return
		}
		msg, ok := parseStreamLine(line)
		if !ok {
			return
		}

		if msg.SessionID != "" {
			if session == "" {
				session = msg.SessionID
				c.setSessionID(session)
				log.Info("assistant session %s established", session)
			} else if msg.SessionID != session {
				foreign++
				return
			}
		}

		switch {
		case !userDelivered && msg.isUser():
			userDelivered = true
			if msg.Text != "" && cb.OnUser != nil {
				cb.OnUser(msg.Text)
			}
		case msg.isAssistant():
			if msg.Text != "" && cb.OnChunk != nil {
				cb.OnChunk(msg.Text)
			}
		case msg.isResult():
			if cb.OnResult != nil {
				cb.OnResult(msg.Result)
			}
		}
	})

	waitErr := cmd.Wait()
	timer.Stop()

	if foreign > 0 {
		log.Debug("ignored %d events from other sessions", foreign)
	}
	if dropped > 0 {
		log.Warn("dropped %d stream lines over %d bytes", dropped, maxLineBytes)
	}

	if waitErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %v: %w", c.config.Binary, c.config.StreamTimeout, ctx.Err())
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s exchange canceled: %w", c.config.Binary, ctx.Err())
		}
		return fmt.Errorf("%s exited: %w (stderr: %s)", c.config.Binary, waitErr, tail(stderr.String(), 512))
	}
	if scanErr != nil {
		log.Warn("reading %s output: %v", c.config.Binary, scanErr)
	}
	return nil
}

func (c *Client) streamArgs(prompt, session string) []string {
	args := make([]string, 0, 6+len(c.config.ExtraArgs))
	if session != "" {
		args = append(args, "--resume", session)
	}
	args = append(args, prompt, "--print", "--output-format", "stream-json")
	return append(args, c.config.ExtraArgs...)
}

// ListSessions runs `<binary> ls` and returns its trimmed output.
func (c *Client) ListSessions(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ListTimeout)
	defer cancel()

	out, err := c.output(ctx, "ls")
	if err != nil {
		return "", fmt.Errorf("listing sessions: %w", err)
	}
	return out, nil
}

// ResumeLatest hands prompt to the most recent session with `<binary> resume`.
// Returns ErrNoSessions when the listing is empty, and the command output on success.
func (c *Client) ResumeLatest(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	if sessions == "" {
		return "", ErrNoSessions
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ResumeTimeout)
	defer cancel()

	out, err := c.output(ctx, "resume", prompt)
	if err != nil {
		return "", fmt.Errorf("resuming latest session: %w", err)
	}
	return out, nil
}

// output runs a short command and returns trimmed stdout.
func (c *Client) output(ctx context.Context, args ...string) (string, error) {
	cmd := c.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s %s timed out: %w", c.config.Binary, args[0], ctx.Err())
		}
		return "", fmt.Errorf("%s %s: %w (stderr: %s)", c.config.Binary, args[0], err, tail(stderr.String(), 512))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// command builds an exec.Cmd that is interrupted on cancellation and killed
// TerminationGrace later if it has not exited.
func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := execCommandContext(ctx, c.config.Binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = c.config.TerminationGrace
	if c.config.Dir != "" {
		cmd.Dir = c.config.Dir
	}
	if len(c.config.Env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(base, c.config.Env...)
	}
	return cmd
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
