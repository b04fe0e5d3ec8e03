// Package events defines the ambient agent's event model and the in-process
// priority bus that delivers events to registered handlers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Kinds
// -----------------------------------------------------------------------------

// Kind identifies the category of an event. The set is closed.
type Kind string

const (
	KindWorkflowRun        Kind = "workflow_run"
	KindPullRequestCreated Kind = "pull_request_created"
	KindIssueTest          Kind = "issue_test"
	KindManualTrigger      Kind = "manual_trigger"
	KindSystemTest         Kind = "system_test"
	KindSystemError        Kind = "system_error"
)

// Kinds lists every known kind in declaration order.
var Kinds = []Kind{
	KindWorkflowRun,
	KindPullRequestCreated,
	KindIssueTest,
	KindManualTrigger,
	KindSystemTest,
	KindSystemError,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := registry[k]
	return ok
}

// Description returns a human-readable label used in logs.
func (k Kind) Description() string {
	switch k {
	case KindWorkflowRun:
		return "GitHub workflow run state change"
	case KindPullRequestCreated:
		return "GitHub pull request created"
	case KindIssueTest:
		return "GitHub test issue"
	case KindManualTrigger:
		return "manual trigger"
	case KindSystemTest:
		return "system self-test"
	case KindSystemError:
		return "system error"
	default:
		return fmt.Sprintf("unknown event kind %q", string(k))
	}
}

// -----------------------------------------------------------------------------
// Priority
// -----------------------------------------------------------------------------

// Priority levels. Higher is more urgent.
const (
	PriorityLow      = 1
	PriorityNormal   = 2
	PriorityElevated = 3
	PriorityHigh     = 4
	PriorityCritical = 5
)

// ClampPriority forces p into [PriorityLow, PriorityCritical].
func ClampPriority(p int) int {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// ErrNilPayload is returned by New when no payload is supplied.
var ErrNilPayload = errors.New("event payload is nil")

// Event is an immutable notification flowing through the bus.
// The zero value is not a valid event; construct with New.
type Event struct {
	id        string
	kind      Kind
	payload   Payload
	createdAt time.Time
	source    string
	priority  int
}

// Option customizes event construction.
type Option func(*Event)

// At overrides the creation timestamp.
func At(t time.Time) Option {
	return func(e *Event) { e.createdAt = t }
}

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(e *Event) { e.id = id }
}

// New creates an event whose kind is derived from the payload.
// Priority is clamped to [1,5].
func New(p Payload, source string, priority int, opts ...Option) (Event, error) {
	if p == nil {
		return Event{}, ErrNilPayload
	}
	ev := Event{
		id:        uuid.NewString(),
		kind:      p.Kind(),
		payload:   p,
		createdAt: time.Now(),
		source:    source,
		priority:  ClampPriority(priority),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev, nil
}

// MustNew is New for payloads known to be non-nil.
func MustNew(p Payload, source string, priority int, opts ...Option) Event {
	ev, err := New(p, source, priority, opts...)
	if err != nil {
		panic(err)
	}
	return ev
}

func (e Event) ID() string           { return e.id }
func (e Event) Kind() Kind           { return e.kind }
func (e Event) Payload() Payload     { return e.payload }
func (e Event) CreatedAt() time.Time { return e.createdAt }
func (e Event) Source() string       { return e.source }
func (e Event) Priority() int        { return e.priority }

// String renders a compact description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s(id=%s source=%s priority=%d)", e.kind, e.id, e.source, e.priority)
}

// PayloadAs returns the event payload as T when the types match.
func PayloadAs[T Payload](e Event) (T, bool) {
	p, ok := e.payload.(T)
	return p, ok
}

// -----------------------------------------------------------------------------
// JSON
// -----------------------------------------------------------------------------

type envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Source    string          `json:"source"`
	Priority  int             `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event with its payload tagged by kind.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.payload == nil {
		return nil, ErrNilPayload
	}
	raw, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.kind, err)
	}
	return json.Marshal(envelope{
		ID:        e.id,
		Kind:      e.kind,
		Source:    e.source,
		Priority:  e.priority,
		CreatedAt: e.createdAt,
		Payload:   raw,
	})
}

// Unmarshal decodes an event produced by MarshalJSON.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	decode, ok := registry[env.Kind]
	if !ok {
		return Event{}, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	p, err := decode(env.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse %s payload: %w", env.Kind, err)
	}
	return Event{
		id:        env.ID,
		kind:      env.Kind,
		payload:   p,
		createdAt: env.CreatedAt,
		source:    env.Source,
		priority:  ClampPriority(env.Priority),
	}, nil
}
