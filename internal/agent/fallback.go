package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ambient/internal/logging"
)

// Channel names the route a prompt was delivered through.
type Channel string

const (
	ChannelStream Channel = "stream"
	ChannelResume Channel = "resume"
	ChannelFile   Channel = "file"
	ChannelNone   Channel = "none"
)

// Outcome describes a delivery attempt.
type Outcome struct {
	Channel   Channel
	OK        bool
	Path      string // set for ChannelFile
	SessionID string
	Err       error // last error seen, nil on a clean stream
	Duration  time.Duration
}

// Session is the assistant surface the deliverer drives; *Client satisfies it.
type Session interface {
	Stream(ctx context.Context, prompt string, cb Callbacks) error
	ResumeLatest(ctx context.Context, prompt string) (string, error)
	SessionID() string
}

// DeliveryObserver is notified once per Deliver call.
type DeliveryObserver interface {
	Delivered(channel string, ok bool, d time.Duration)
}

// Deliverer pushes prompts through the fallback chain:
// stream, then resume of the latest session, then a file note.
type Deliverer struct {
	session  Session
	sink     *FileSink
	observer DeliveryObserver
}

// DelivererOption customizes a Deliverer.
type DelivererOption func(*Deliverer)

// WithDeliveryObserver attaches metrics.
func WithDeliveryObserver(o DeliveryObserver) DelivererOption {
	return func(d *Deliverer) { d.observer = o }
}

// NewDeliverer creates a deliverer. sink may be nil to disable the file step.
func NewDeliverer(session Session, sink *FileSink, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{session: session, sink: sink}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver tries each channel in turn and stops at the first success.
// A panic in the session or in a callback fails that step only. Deliver
// never panics; a total failure is an Outcome with OK=false.
func (d *Deliverer) Deliver(ctx context.Context, source, prompt string, cb Callbacks) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Channel: ChannelNone, Err: fmt.Errorf("delivery panic: %v", r)}
		}
		out.Duration = time.Since(start)
		if d.session != nil {
			out.SessionID = d.session.SessionID()
		}
		if d.observer != nil {
			d.observer.Delivered(string(out.Channel), out.OK, out.Duration)
		}
	}()

	var errs []error

	if d.session != nil {
		err := safeStream(ctx, d.session, prompt, cb)
		if err == nil {
			return Outcome{Channel: ChannelStream, OK: true}
		}
		errs = append(errs, err)
		logging.Get(logging.CategoryFallback).Warn("stream delivery failed, trying resume: %v", err)

		if ctx.Err() == nil {
			err := safeResume(ctx, d.session, prompt, cb)
			if err == nil {
				logging.Fallback("prompt delivered by resuming the latest session")
				return Outcome{Channel: ChannelResume, OK: true, Err: errors.Join(errs...)}
			}
			errs = append(errs, err)
			logging.Get(logging.CategoryFallback).Warn("resume delivery failed, writing file: %v", err)
		}
	}

	if d.sink != nil {
		path, err := d.sink.Write(source, prompt)
		if err == nil {
			logging.Fallback("prompt saved to %s", path)
			return Outcome{Channel: ChannelFile, OK: true, Path: path, Err: errors.Join(errs...)}
		}
		errs = append(errs, err)
		logging.Get(logging.CategoryFallback).Error("file fallback failed: %v", err)
	}

	return Outcome{Channel: ChannelNone, OK: false, Err: errors.Join(errs...)}
}

func safeStream(ctx context.Context, session Session, prompt string, cb Callbacks) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream panic: %v", r)
		}
	}()
	return session.Stream(ctx, prompt, cb)
}

func safeResume(ctx context.Context, session Session, prompt string, cb Callbacks) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resume panic: %v", r)
		}
	}()
	output, err := session.ResumeLatest(ctx, prompt)
	if err == nil && output != "" && cb.OnResult != nil {
		cb.OnResult(output)
	}
	return err
}
