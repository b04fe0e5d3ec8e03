// Package inbox turns files dropped into a directory into manual trigger events.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ambient/internal/events"
	"ambient/internal/logging"
)

const (
	// ProcessedDir is the subdirectory ingested files are moved into.
	ProcessedDir = "processed"

	eventSource = "inbox"
)

// Emitter accepts events; *events.Bus satisfies it.
type Emitter interface {
	Emit(ev events.Event)
}

// Config configures a Watcher.
type Config struct {
	Dir         string
	Debounce    time.Duration // quiet period before a file is read (500ms)
	StopTimeout time.Duration // bounded Stop (5s)
}

// Stats tracks watcher activity.
type Stats struct {
	FilesIngested int
	Errors        int
	LastFile      string
	LastIngest    time.Time
}

// Watcher watches Dir for *.md and *.txt files. Each settled file becomes a
// ManualTrigger event whose type is the file stem and whose content is the
// file body, and is then moved to Dir/processed.
type Watcher struct {
	config  Config
	emitter Emitter

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	pending   map[string]time.Time
	stats     Stats
	isRunning bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher creates a watcher. Zero config durations take defaults.
func NewWatcher(cfg Config, emitter Emitter) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if emitter == nil {
		return nil, errors.New("inbox emitter is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Watcher{
		config:  cfg,
		emitter: emitter,
		pending: make(map[string]time.Time),
	}, nil
}

// Start creates the inbox directories, queues files already present and
// begins watching. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isRunning {
		return nil
	}

	if err := os.MkdirAll(filepath.Join(w.config.Dir, ProcessedDir), 0755); err != nil {
		return fmt.Errorf("failed to create inbox %s: %w", w.config.Dir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(w.config.Dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.config.Dir, err)
	}

	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		logging.Get(logging.CategoryInbox).Warn("failed to scan inbox %s: %v", w.config.Dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(w.config.Dir, entry.Name())
		if entry.Type().IsRegular() && accepts(path) {
			w.pending[path] = time.Time{}
		}
	}

	w.watcher = fw
	w.isRunning = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx, fw, w.stopCh, w.doneCh)

	logging.Inbox("watching %s (%d files waiting)", w.config.Dir, len(w.pending))
	return nil
}

// Stop ends the watch loop and waits up to StopTimeout. Returns false on timeout.
func (w *Watcher) Stop() bool {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return true
	}
	w.isRunning = false
	close(w.stopCh)
	done, fw := w.doneCh, w.watcher
	w.watcher = nil
	w.mu.Unlock()

	defer func() {
		if err := fw.Close(); err != nil {
			logging.Get(logging.CategoryInbox).Error("error closing file watcher: %v", err)
		}
	}()

	select {
	case <-done:
		logging.Inbox("inbox watcher stopped")
		return true
	case <-time.After(w.config.StopTimeout):
		logging.Get(logging.CategoryInbox).Warn("inbox watcher did not stop within %v", w.config.StopTimeout)
		return false
	}
}

// IsRunning reports whether the watch loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)

	tick := w.config.Debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryInbox).Error("file watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if !accepts(event.Name) {
		return
	}
	logging.InboxDebug("%s %s", event.Op, event.Name)

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.config.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if err := w.ingest(path); err != nil {
			logging.Get(logging.CategoryInbox).Error("failed to ingest %s: %v", path, err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		}
	}
}

// ingest reads path, moves it to processed/ and emits its trigger.
// A file that vanished in the meantime is skipped.
func (w *Watcher) ingest(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	content := strings.TrimSpace(string(data))
	if err := w.archive(path); err != nil {
		return err
	}
	if content == "" {
		logging.InboxDebug("skipping empty file %s", path)
		return nil
	}

	base := filepath.Base(path)
	trigger := events.ManualTrigger{
		Type:    strings.TrimSuffix(base, filepath.Ext(base)),
		Content: content,
	}
	w.emitter.Emit(events.MustNew(trigger, eventSource, events.PriorityElevated))
	logging.Inbox("queued manual trigger %q from %s", trigger.Type, base)

	w.mu.Lock()
	w.stats.FilesIngested++
	w.stats.LastFile = base
	w.stats.LastIngest = time.Now()
	w.mu.Unlock()
	return nil
}

func (w *Watcher) archive(path string) error {
	dir := filepath.Join(w.config.Dir, ProcessedDir)
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to move to %s: %w", ProcessedDir, err)
	}
	return nil
}

func accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".md", ".txt":
		return true
	}
	return false
}
