package events

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"ambient/internal/logging"
)

// =============================================================================
// PRIORITY EVENT BUS
// =============================================================================
//
// Bus is an in-process publish/subscribe hub. Emit enqueues into a single
// priority-ordered queue; one background consumer dequeues the head and
// dispatches it synchronously to every handler registered for its kind.

// Handler processes one event. Returned errors and panics are logged and
// never reach other handlers or the consumer loop.
type Handler func(ctx context.Context, ev Event) error

// Observer receives bus activity for metrics.
type Observer interface {
	EventEmitted(kind Kind)
	EventDispatched(kind Kind)
	HandlerFailed(kind Kind)
	QueueDepth(depth int)
}

// BusConfig configures the consumer loop.
type BusConfig struct {
	IdleInterval time.Duration // Wait when the queue is empty (1s)
	ErrorBackoff time.Duration // Wait after a loop-internal failure (5s)
	StopTimeout  time.Duration // Max wait for the consumer in Stop (5s)
	Observer     Observer
}

// DefaultBusConfig returns the standard timings.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		IdleInterval: time.Second,
		ErrorBackoff: 5 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

type queued struct {
	ev  Event
	seq uint64
}

// queueOrder sorts by priority descending, then creation time, then insertion.
func queueOrder(a, b queued) int {
	if c := cmp.Compare(b.ev.priority, a.ev.priority); c != 0 {
		return c
	}
	if c := a.ev.createdAt.Compare(b.ev.createdAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// Bus is the priority event bus. Safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	queue    []queued
	seq      uint64
	handlers map[Kind][]Handler
	wake     chan struct{}

	config BusConfig

	isRunning bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewBus creates a bus. Zero durations take the defaults.
func NewBus(cfg BusConfig) *Bus {
	def := DefaultBusConfig()
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return &Bus{
		handlers: make(map[Kind][]Handler),
		wake:     make(chan struct{}, 1),
		config:   cfg,
	}
}

// Register appends h to the handlers for kind. Handlers run in registration order.
func (b *Bus) Register(kind Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	n := len(b.handlers[kind])
	b.mu.Unlock()
	logging.BusDebug("registered handler #%d for %s", n, kind)
}

// Emit enqueues ev in priority order and wakes the consumer. It never blocks
// on handler execution.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	b.seq++
	item := queued{ev: ev, seq: b.seq}
	// seq is unique, so the insertion point is always after equal-priority, equal-time events.
	idx, _ := slices.BinarySearchFunc(b.queue, item, queueOrder)
	b.queue = slices.Insert(b.queue, idx, item)
	depth := len(b.queue)
	b.mu.Unlock()

	logging.BusDebug("emitted %s (pending=%d)", ev, depth)
	if obs := b.config.Observer; obs != nil {
		obs.EventEmitted(ev.kind)
		obs.QueueDepth(depth)
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Clear drops all queued events and returns how many were dropped.
func (b *Bus) Clear() int {
	b.mu.Lock()
	n := len(b.queue)
	b.queue = nil
	b.mu.Unlock()
	if n > 0 {
		logging.Bus("cleared %d pending events", n)
	}
	if obs := b.config.Observer; obs != nil {
		obs.QueueDepth(0)
	}
	return n
}

// IsRunning reports whether the consumer loop has been started and not stopped.
func (b *Bus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isRunning
}

// Start launches the consumer loop. Calling Start on a running bus is a no-op.
// The loop also exits when ctx is cancelled, after which the bus reports not
// running and may be started again.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return
	}
	prev := b.doneCh
	b.isRunning = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stop, done := b.stopCh, b.doneCh
	b.mu.Unlock()

	go b.run(ctx, stop, done, prev)
	logging.Bus("event bus started")
}

// Stop signals the consumer and waits up to StopTimeout for the in-flight
// dispatch to return. Queued events stay queued. Returns false on timeout.
func (b *Bus) Stop() bool {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return true
	}
	b.isRunning = false
	close(b.stopCh)
	done := b.doneCh
	b.mu.Unlock()

	select {
	case <-done:
		logging.Bus("event bus stopped (pending=%d)", b.Pending())
		return true
	case <-time.After(b.config.StopTimeout):
		logging.Get(logging.CategoryBus).Warn("event bus consumer did not stop within %v", b.config.StopTimeout)
		return false
	}
}

// -----------------------------------------------------------------------------
// Consumer Loop
// -----------------------------------------------------------------------------

func (b *Bus) run(ctx context.Context, stop, done, prev chan struct{}) {
	defer func() {
		// A consumer ended by ctx leaves the bus stopped so Start can relaunch it.
		if ctx.Err() != nil {
			b.mu.Lock()
			if b.doneCh == done {
				b.isRunning = false
			}
			b.mu.Unlock()
		}
		close(done)
	}()

	// A previous consumer that outlived its Stop timeout must finish first.
	if prev != nil {
		select {
		case <-prev:
		case <-stop:
			return
		}
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := b.step(ctx, stop); err != nil {
			logging.Get(logging.CategoryBus).Error("consumer loop error: %v", err)
			if !sleep(b.config.ErrorBackoff, stop, ctx.Done()) {
				return
			}
		}
	}
}

// step dispatches the head of the queue or idles when it is empty.
func (b *Bus) step(ctx context.Context, stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ev, ok := b.pop()
	if !ok {
		timer := time.NewTimer(b.config.IdleInterval)
		defer timer.Stop()
		select {
		case <-stop:
		case <-ctx.Done():
		case <-b.wake:
		case <-timer.C:
		}
		return nil
	}

	b.dispatch(ctx, ev)
	return nil
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return Event{}, false
	}
	head := b.queue[0]
	b.queue[0] = queued{}
	b.queue = b.queue[1:]
	depth := len(b.queue)
	b.mu.Unlock()

	if obs := b.config.Observer; obs != nil {
		obs.QueueDepth(depth)
	}
	return head.ev, true
}

// Dispatch delivers ev synchronously to every handler registered for its kind.
// The consumer loop uses it; callers may use it to bypass the queue.
func (b *Bus) Dispatch(ctx context.Context, ev Event) {
	b.dispatch(ctx, ev)
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	handlers := slices.Clone(b.handlers[ev.kind])
	b.mu.Unlock()

	if len(handlers) == 0 {
		logging.Get(logging.CategoryBus).Warn("no handlers for %s: %s", ev.kind.Description(), ev)
		return
	}

	timer := logging.StartTimer(logging.CategoryBus, "dispatch "+string(ev.kind))
	for i, h := range handlers {
		if err := invoke(ctx, h, ev); err != nil {
			logging.Get(logging.CategoryBus).Error("handler #%d for %s failed: %v", i+1, ev, err)
			if obs := b.config.Observer; obs != nil {
				obs.HandlerFailed(ev.kind)
			}
		}
	}
	timer.Stop()

	if obs := b.config.Observer; obs != nil {
		obs.EventDispatched(ev.kind)
	}
}

func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// sleep waits for d unless stop or ctxDone fires first. Returns false when cancelled.
func sleep(d time.Duration, stop, ctxDone <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctxDone:
		return false
	}
}
