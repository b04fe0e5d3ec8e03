package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FileSink writes prompts to a directory as markdown notes for a human to
// paste into the assistant by hand. It is the last link of the fallback chain.
type FileSink struct {
	dir   string
	now   func() time.Time
	write func(f *os.File, content string) error
}

// NewFileSink creates a sink rooted at dir. The directory is created on first write.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir, now: time.Now, write: writeNote}
}

// Write stores prompt verbatim in <dir>/<source>_<unix>.md and returns the path.
// A numeric suffix is added when two writes land in the same second.
func (s *FileSink) Write(source, prompt string) (string, error) {
	if s.dir == "" {
		return "", errors.New("fallback directory not configured")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create fallback directory: %w", err)
	}

	now := s.now()
	name := unsafeNameChars.ReplaceAllString(source, "_")
	if name == "" {
		name = "ambient"
	}
	base := fmt.Sprintf("%s_%d", name, now.Unix())
	content := renderNote(now, prompt)

	for attempt := 0; attempt < 100; attempt++ {
		fileName := base + ".md"
		if attempt > 0 {
			fileName = fmt.Sprintf("%s_%d.md", base, attempt)
		}
		path := filepath.Join(s.dir, fileName)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		if err := s.write(f, content); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("failed to close %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", base, s.dir)
}

func writeNote(f *os.File, content string) error {
	_, err := f.WriteString(content)
	return err
}

func renderNote(now time.Time, prompt string) string {
	var b strings.Builder
	b.WriteString("# Ambient Agent Notification\n\n")
	b.WriteString("**Time:** ")
	b.WriteString(now.Format("2006-01-02 15:04:05"))
	b.WriteString("\n\n")
	b.WriteString(prompt)
	b.WriteString("\n\n---\n*Copy this message and paste it into your assistant session*\n")
	return b.String()
}
