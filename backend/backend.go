// Package backend implements the sink dispatch engine at the heart of
// the pipeline. A Backend owns an ordered registry of sinks, applies
// the contextual patcher pipeline to every event exactly once, and
// fans each event out to every sink whose threshold it satisfies. A
// failure (or panic) in any one sink is reported to the backend's
// local sender and never reaches the logging caller or the remaining
// sinks.
package backend

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
)

// callerSkip resolves a direct Log caller; facades add their own
// frame count via LogOptions.Depth.
const callerSkip = 1

type registration struct {
	id        int
	sender    send.Sender
	threshold level.Priority
}

// Backend is the dispatch engine. The zero value is not usable;
// construct with New. A Backend is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	seq      int
	regs     []*registration
	patchers []Patcher
	local    send.Sender
}

// New returns an empty engine reporting internal failures to a native
// console sender.
func New() *Backend {
	return &Backend{local: send.MakeNative()}
}

// SetLocal replaces the sender used for the engine's own error
// reporting. Passing nil restores the native default.
func (b *Backend) SetLocal(s send.Sender) {
	if s == nil {
		s = send.MakeNative()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local = s
}

// Local returns the internal error channel sender.
func (b *Backend) Local() send.Sender {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local
}

// SetPatchers installs the enrichment pipeline, replacing any prior
// one. Patchers run in the given order for every subsequent event.
func (b *Backend) SetPatchers(patchers ...Patcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patchers = patchers
}

// AddSink registers a sink with a minimum level threshold and returns
// a handle for later removal. The sink is eligible for the next
// logged event. Registration ids are unique for the lifetime of a
// configuration session.
func (b *Backend) AddSink(s send.Sender, threshold level.Priority) int {
	if !threshold.IsValid() {
		threshold = level.Info
	}

	// Mirror the threshold onto the sender so that direct grip use
	// of the sink filters the same way.
	_ = s.SetLevel(send.LevelInfo{Default: threshold, Threshold: threshold})

	b.mu.Lock()
	defer b.mu.Unlock()

	// Delivery failures inside the sink are reported on the local
	// sender rather than silently dropped.
	if err := s.SetErrorHandler(send.ErrorHandlerFromSender(b.local)); err != nil {
		b.local.Send(message.NewErrorMessage(level.Warning, errors.Wrapf(err, "setting error handler on sink %q", s.Name())))
	}

	b.seq++
	b.regs = append(b.regs, &registration{id: b.seq, sender: s, threshold: threshold})
	return b.seq
}

// RemoveSink deregisters and closes the sink with the given handle.
// An unknown handle is a silent no-op.
func (b *Backend) RemoveSink(id int) {
	b.mu.Lock()
	var removed *registration
	for i, r := range b.regs {
		if r.id == id {
			removed = r
			b.regs = append(b.regs[:i], b.regs[i+1:]...)
			break
		}
	}
	local := b.local
	b.mu.Unlock()

	if removed != nil {
		if err := removed.sender.Close(); err != nil {
			local.Send(message.NewErrorMessage(level.Warning, errors.Wrapf(err, "closing sink %q", removed.sender.Name())))
		}
	}
}

// Reset removes and closes all registrations, restoring the engine to
// its empty state. Reset is idempotent.
func (b *Backend) Reset() {
	b.mu.Lock()
	regs := b.regs
	b.regs = nil
	b.patchers = nil
	local := b.local
	b.mu.Unlock()

	catcher := grip.NewBasicCatcher()
	for _, r := range regs {
		catcher.Wrapf(r.sender.Close(), "closing sink %q", r.sender.Name())
	}
	if catcher.HasErrors() {
		local.Send(message.NewErrorMessage(level.Warning, catcher.Resolve()))
	}
}

// LogOptions carry the optional parts of one logging call.
type LogOptions struct {
	// Name is the origin logger name bound by the facade or the
	// legacy bridge.
	Name string
	// Context is the ordered bound context.
	Context []KV
	// Err attaches exception info to the event.
	Err error
	// Depth is the number of additional stack frames to skip when
	// resolving the call site, on top of the facade's own frames.
	Depth int
	// Time overrides the event timestamp when non-zero.
	Time time.Time
	// File and Line, when File is set, pin the source location
	// directly instead of walking the stack. The legacy bridge uses
	// this, having already resolved the original call site.
	File string
	Line int
}

// Log builds an event, runs the patcher pipeline over it once, and
// dispatches it to every registered sink whose threshold is
// satisfied, in registration order. Sink failures never propagate.
func (b *Backend) Log(p level.Priority, msg string, opts LogOptions) {
	if !p.IsValid() {
		p = level.Info
	}

	e := &Event{
		Message:   msg,
		Name:      opts.Name,
		Context:   opts.Context,
		Timestamp: opts.Time,
		File:      opts.File,
		Line:      opts.Line,
		Err:       opts.Err,
	}
	_ = e.SetPriority(p)

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.File == "" {
		if _, file, line, ok := runtime.Caller(opts.Depth + callerSkip); ok {
			e.File, e.Line = file, line
		}
	}

	b.mu.Lock()
	patchers := b.patchers
	regs := make([]*registration, len(b.regs))
	copy(regs, b.regs)
	local := b.local
	b.mu.Unlock()

	for _, patch := range patchers {
		patch(e)
	}

	for _, r := range regs {
		if p < r.threshold {
			continue
		}
		deliver(r.sender, e, local)
	}
}

// deliver isolates one sink's delivery attempt. Well-behaved sinks
// report their own failures through their error handler; the recover
// guards against ones that do not.
func deliver(s send.Sender, e *Event, local send.Sender) {
	defer func() {
		if p := recover(); p != nil {
			local.Send(message.NewErrorMessage(level.Warning,
				errors.Errorf("sink %q panicked during delivery: %v", s.Name(), p)))
		}
	}()

	s.Send(e)
}

// Complete drains buffered and queued deliveries by flushing every
// registered sink. It blocks until each flush has been attempted or
// the context expires; call it at process shutdown.
func (b *Backend) Complete(ctx context.Context) error {
	b.mu.Lock()
	regs := make([]*registration, len(b.regs))
	copy(regs, b.regs)
	b.mu.Unlock()

	catcher := grip.NewBasicCatcher()
	for _, r := range regs {
		catcher.Wrapf(r.sender.Flush(ctx), "flushing sink %q", r.sender.Name())
	}
	return catcher.Resolve()
}
