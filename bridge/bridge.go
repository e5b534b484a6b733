// Package bridge converges the stdlib logging surfaces (log/slog and
// the legacy log package) onto the dispatch engine. Code written
// against either surface transparently reaches the same sinks as the
// typed facade, with the original call site preserved and the logger
// name carried as bound context.
package bridge

import (
	"context"
	"io"
	"log"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/mongodb/grip/level"

	"github.com/libb-io/logpipe/backend"
)

// passEverything is the installed handler threshold: level filtering
// is deferred entirely to the engine's per-sink thresholds.
const passEverything = slog.Level(-128)

// Target is the slice of the engine the bridge needs.
type Target interface {
	Log(p level.Priority, msg string, opts backend.LogOptions)
}

// Bridge reroutes the stdlib logging surfaces into a Target with an
// explicit install/uninstall lifecycle. The set of named loggers it
// hands out is recorded so uninstall is exact.
type Bridge struct {
	mu        sync.Mutex
	target    Target
	threshold *slog.LevelVar
	named     map[string]*slog.Logger
	installed bool

	prevDefault *slog.Logger
	prevOutput  io.Writer
	prevFlags   int
}

// New returns an uninstalled bridge feeding the given target.
func New(target Target) *Bridge {
	threshold := &slog.LevelVar{}
	threshold.Set(passEverything)

	return &Bridge{
		target:    target,
		threshold: threshold,
		named:     map[string]*slog.Logger{},
	}
}

// Install points the process default slog handler and the stdlib log
// package output at the engine, and pre-registers a named logger for
// each given name. Installing twice first uninstalls.
func (b *Bridge) Install(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.installed {
		b.uninstallLocked()
	}

	b.prevDefault = slog.Default()
	b.prevOutput = log.Writer()
	b.prevFlags = log.Flags()

	slog.SetDefault(slog.New(&handler{bridge: b}))
	log.SetFlags(0)
	log.SetOutput(&writerBridge{bridge: b})

	for _, name := range names {
		b.namedLocked(name)
	}

	b.installed = true
}

// Uninstall restores the previous default handler and log output and
// forgets all named loggers.
func (b *Bridge) Uninstall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uninstallLocked()
}

func (b *Bridge) uninstallLocked() {
	if !b.installed {
		return
	}

	slog.SetDefault(b.prevDefault)
	log.SetFlags(b.prevFlags)
	log.SetOutput(b.prevOutput)

	b.named = map[string]*slog.Logger{}
	b.installed = false
}

// Names reports the set of named loggers handed out so far.
func (b *Bridge) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.named))
	for name := range b.named {
		names = append(names, name)
	}
	return names
}

// NamedLogger returns (creating if needed) the bridged logger for a
// name. The handler passes every level, deferring filtering to the
// engine, and never propagates to the default handler, so each legacy
// call reaches the engine exactly once.
func (b *Bridge) NamedLogger(name string) *slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.namedLocked(name)
}

func (b *Bridge) namedLocked(name string) *slog.Logger {
	if l, ok := b.named[name]; ok {
		return l
	}
	l := slog.New(&handler{bridge: b, name: name})
	b.named[name] = l
	return l
}

// SetLevel adjusts the bridged handlers' shared threshold by level
// name; an unrecognized name resets to pass-everything.
func (b *Bridge) SetLevel(name string) {
	b.threshold.Set(slogLevelFromName(name))
}

// ForType returns a bridged logger named after a value's type, for ad
// hoc per-type logging. The enable argument ("debug", "info", or "")
// seeds the shared threshold the way SetLevel does.
func (b *Bridge) ForType(v any, enable string) *slog.Logger {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	name := "anonymous"
	if t != nil {
		name = t.String()
	}

	if enable != "" {
		b.SetLevel(enable)
	}
	return b.NamedLogger(name)
}

func slogLevelFromName(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical", "fatal":
		return slog.LevelError + 4
	default:
		return passEverything
	}
}

// priorityFromSlog maps slog levels onto engine severities by range,
// so custom numeric levels land on the nearest named severity.
func priorityFromSlog(l slog.Level) level.Priority {
	switch {
	case l < slog.LevelDebug:
		return level.Trace
	case l < slog.LevelInfo:
		return level.Debug
	case l < slog.LevelWarn:
		return level.Info
	case l < slog.LevelError:
		return level.Warning
	case l < slog.LevelError+4:
		return level.Error
	default:
		return level.Critical
	}
}

// handler adapts slog records into engine events.
type handler struct {
	bridge *Bridge
	name   string
	attrs  []backend.KV
	group  string
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.bridge.threshold.Level()
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	opts := backend.LogOptions{
		Name:    h.name,
		Context: h.attrs,
		Time:    r.Time,
	}

	// The record PC is the original call site; no frame walking
	// over wrapper internals is needed.
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		opts.File, opts.Line = frame.File, frame.Line
	}

	r.Attrs(func(a slog.Attr) bool {
		if err, ok := a.Value.Any().(error); ok && opts.Err == nil {
			opts.Err = err
			return true
		}
		opts.Context = append(opts.Context, backend.KV{Key: h.qualify(a.Key), Value: a.Value.Any()})
		return true
	})

	h.bridge.target.Log(priorityFromSlog(r.Level), r.Message, opts)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]backend.KV, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next.attrs, h.attrs)
	for _, a := range attrs {
		next.attrs = append(next.attrs, backend.KV{Key: h.qualify(a.Key), Value: a.Value.Any()})
	}
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group += "."
	}
	next.group += name
	return &next
}

func (h *handler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// writerBridge funnels the legacy log package's output into the
// engine at info severity, one event per line.
type writerBridge struct {
	bridge *Bridge
}

func (w *writerBridge) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.bridge.target.Log(level.Info, line, backend.LogOptions{Name: "log"})
	}
	return len(p), nil
}
