package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess isn't a real test. It's used as a helper process
// for mocking exec.Command. Behavior is driven by HELPER_* variables.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+2:] // skip the binary name
			break
		}
	}

	if path := os.Getenv("HELPER_ARGS_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintln(f, strings.Join(args, " "))
			f.Close()
		}
	}

	exit := func(key string) {
		code, _ := strconv.Atoi(os.Getenv(key))
		os.Exit(code)
	}

	if len(args) > 0 {
		switch args[0] {
		case "ls":
			fmt.Fprint(os.Stdout, os.Getenv("HELPER_LS"))
			exit("HELPER_RESUME_EXIT")
		case "resume":
			fmt.Fprint(os.Stdout, os.Getenv("HELPER_RESUME"))
			exit("HELPER_RESUME_EXIT")
		}
	}

	if os.Getenv("HELPER_LONG_LINE") == "1" {
		fmt.Fprintln(os.Stdout, `{"type":"assistant","text":"`+strings.Repeat("x", maxLineBytes+10)+`"}`)
	}
	fmt.Fprint(os.Stdout, os.Getenv("HELPER_STDOUT"))
	fmt.Fprint(os.Stderr, os.Getenv("HELPER_STDERR"))
	if d, err := time.ParseDuration(os.Getenv("HELPER_SLEEP")); err == nil {
		time.Sleep(d)
	}
	exit("HELPER_EXIT")
}

func fakeExecCommandContext(ctx context.Context, command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

func useFakeExec(t *testing.T) {
	t.Helper()
	oldExec := execCommandContext
	execCommandContext = fakeExecCommandContext
	t.Cleanup(func() { execCommandContext = oldExec })
}

func ndjson(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

type transcript struct {
	users, chunks, results []string
}

func (tr *transcript) callbacks() Callbacks {
	return Callbacks{
		OnUser:   func(s string) { tr.users = append(tr.users, s) },
		OnChunk:  func(s string) { tr.chunks = append(tr.chunks, s) },
		OnResult: func(s string) { tr.results = append(tr.results, s) },
	}
}

func (tr *transcript) total() int {
	return len(tr.users) + len(tr.chunks) + len(tr.results)
}

func TestClient_StreamDeliversEvents(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_STDOUT", ndjson(
		`{"type":"system","subtype":"init","session_id":"abc"}`,
		`{"type":"user","session_id":"abc","message":{"role":"user","content":[{"type":"text","text":"fix the build"}]}}`,
		`{"type":"assistant","session_id":"abc","message":{"role":"assistant","content":[{"type":"text","text":"Looking"},{"type":"text","text":" now"}]}}`,
		`{"type":"result","session_id":"abc","result":"Done."}`,
	))

	c := NewClient(ClientConfig{})
	var tr transcript
	require.NoError(t, c.Stream(context.Background(), "fix the build", tr.callbacks()))

	assert.Equal(t, []string{"fix the build"}, tr.users)
	assert.Equal(t, []string{"Looking now"}, tr.chunks)
	assert.Equal(t, []string{"Done."}, tr.results)
	assert.Equal(t, "abc", c.SessionID())
}

func TestClient_SessionStickiness(t *testing.T) {
	useFakeExec(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("HELPER_ARGS_FILE", argsFile)
	t.Setenv("HELPER_STDOUT", ndjson(
		`{"type":"assistant","session_id":"abc","message":{"role":"assistant","content":"hi"}}`,
	))

	c := NewClient(ClientConfig{ExtraArgs: []string{"--force"}})
	ctx := context.Background()
	require.True(t, c.SendStream(ctx, "first", Callbacks{}))
	require.True(t, c.SendStream(ctx, "second", Callbacks{}))

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	calls := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, calls, 2)
	assert.Equal(t, "first --print --output-format stream-json --force", calls[0])
	assert.Equal(t, "--resume abc second --print --output-format stream-json --force", calls[1])
}

func TestClient_ForeignSessionRejected(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_STDOUT", ndjson(
		`{"type":"user","session_id":"zzz","message":{"role":"user","content":"other"}}`,
		`{"type":"assistant","session_id":"zzz","message":{"role":"assistant","content":"not yours"}}`,
		`{"type":"result","session_id":"zzz","result":"nope"}`,
	))

	c := NewClient(ClientConfig{})
	c.setSessionID("abc")

	var tr transcript
	require.NoError(t, c.Stream(context.Background(), "hello", tr.callbacks()))
	assert.Zero(t, tr.total())
	assert.Equal(t, "abc", c.SessionID())
}

func TestClient_UserEchoDeliveredOnce(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_STDOUT", ndjson(
		`{"type":"user","message":{"role":"user","content":"one"}}`,
		`{"type":"user","message":{"role":"user","content":"two"}}`,
	))

	var tr transcript
	require.NoError(t, NewClient(ClientConfig{}).Stream(context.Background(), "one", tr.callbacks()))
	assert.Equal(t, []string{"one"}, tr.users)
}

func TestClient_MalformedLinesSkipped(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_STDOUT", ndjson(
		`not json at all`,
		`[1,2,3]`,
		`null`,
		``,
		`{"type":"assistant","message":{"role":"assistant","content":"survived"}}`,
	))

	var tr transcript
	require.NoError(t, NewClient(ClientConfig{}).Stream(context.Background(), "p", tr.callbacks()))
	assert.Equal(t, []string{"survived"}, tr.chunks)
}

func TestClient_OverlongLineSkipped(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_LONG_LINE", "1")
	t.Setenv("HELPER_STDOUT", ndjson(
		`{"type":"assistant","message":{"role":"assistant","content":"after"}}`,
	))

	var tr transcript
	require.NoError(t, NewClient(ClientConfig{}).Stream(context.Background(), "p", tr.callbacks()))
	assert.Equal(t, []string{"after"}, tr.chunks)
}

func TestClient_NonZeroExit(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_STDOUT", ndjson(
		`{"type":"assistant","message":{"role":"assistant","content":"partial"}}`,
	))
	t.Setenv("HELPER_STDERR", "boom")
	t.Setenv("HELPER_EXIT", "3")

	c := NewClient(ClientConfig{})
	var tr transcript
	err := c.Stream(context.Background(), "p", tr.callbacks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"partial"}, tr.chunks, "delivered output is kept")

	assert.False(t, c.SendStream(context.Background(), "p", Callbacks{}))
}

func TestClient_TimeoutInterruptsProcess(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_SLEEP", "30s")

	c := NewClient(ClientConfig{StreamTimeout: 200 * time.Millisecond, TerminationGrace: time.Second})
	start := time.Now()
	err := c.Stream(context.Background(), "p", Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestClient_CancelInterruptsProcess(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_SLEEP", "30s")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := NewClient(ClientConfig{TerminationGrace: time.Second}).Stream(ctx, "p", Callbacks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Available(t *testing.T) {
	useFakeExec(t)
	c := NewClient(ClientConfig{})
	assert.True(t, c.Available(context.Background()))

	t.Setenv("HELPER_EXIT", "1")
	assert.False(t, c.Available(context.Background()))
}

func TestClient_ResumeLatest(t *testing.T) {
	useFakeExec(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("HELPER_ARGS_FILE", argsFile)
	t.Setenv("HELPER_LS", "chat-1  2 minutes ago\n")
	t.Setenv("HELPER_RESUME", "  resumed ok \n")

	out, err := NewClient(ClientConfig{}).ResumeLatest(context.Background(), "ci failed")
	require.NoError(t, err)
	assert.Equal(t, "resumed ok", out)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "ls\nresume ci failed\n", string(data))
}

func TestClient_ResumeLatestNoSessions(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_LS", "   \n")

	_, err := NewClient(ClientConfig{}).ResumeLatest(context.Background(), "p")
	assert.ErrorIs(t, err, ErrNoSessions)
}

func TestClient_ResumeLatestFailure(t *testing.T) {
	useFakeExec(t)
	t.Setenv("HELPER_LS", "chat-1")
	t.Setenv("HELPER_RESUME_EXIT", "2")

	_, err := NewClient(ClientConfig{}).ResumeLatest(context.Background(), "p")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSessions)
}

func TestClient_MissingBinary(t *testing.T) {
	c := NewClient(ClientConfig{Binary: filepath.Join(t.TempDir(), "no-such-agent")})
	assert.False(t, c.Available(context.Background()))
	assert.False(t, c.SendStream(context.Background(), "p", Callbacks{}))
	assert.Empty(t, c.SessionID())
}
