package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// execCommandContext is swapped out in tests.
var execCommandContext = exec.CommandContext

// DetectRepository reads the origin remote of the git checkout at dir and
// returns "owner/name".
func DetectRepository(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := execCommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git remote get-url origin: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	repo, ok := ParseRemoteURL(strings.TrimSpace(string(out)))
	if !ok {
		return "", fmt.Errorf("origin %q is not a GitHub remote", strings.TrimSpace(string(out)))
	}
	return repo, nil
}

// ParseRemoteURL extracts "owner/name" from an ssh or https GitHub remote.
//
//	git@github.com:octo/widgets.git      -> octo/widgets
//	https://github.com/octo/widgets.git  -> octo/widgets
//	ssh://git@github.com/octo/widgets    -> octo/widgets
func ParseRemoteURL(remote string) (string, bool) {
	rest := ""
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		rest = strings.TrimPrefix(remote, "git@github.com:")
	case strings.Contains(remote, "github.com/"):
		rest = remote[strings.Index(remote, "github.com/")+len("github.com/"):]
	default:
		return "", false
	}

	rest = strings.TrimSuffix(strings.TrimSuffix(rest, "/"), ".git")
	owner, name, err := SplitRepository(rest)
	if err != nil {
		return "", false
	}
	return owner + "/" + name, true
}
