package logpipe

import (
	"bytes"
	"io"
	"sync"

	"github.com/libb-io/logpipe/backend"
	"github.com/mongodb/grip/level"
)

// Logger is an immutable named logging handle with an ordered bound
// context. Loggers are cheap values; derive new ones with Bind rather
// than mutating.
type Logger struct {
	name    string
	context []backend.KV
	target  *backend.Backend
}

// GetLogger returns a logger on the default backend, optionally with
// bound context.
func GetLogger(name string, kvs ...backend.KV) Logger {
	return Logger{name: name, context: kvs, target: defaultBackend()}
}

// Name returns the logger's name.
func (l Logger) Name() string { return l.name }

// Bind returns a derived logger whose context is the receiver's
// merged with kvs. Later values win for duplicate keys.
func (l Logger) Bind(kvs ...backend.KV) Logger {
	merged := make([]backend.KV, len(l.context))
	copy(merged, l.context)
	return Logger{
		name:    l.name,
		context: backend.MergeKV(merged, kvs),
		target:  l.target,
	}
}

func (l Logger) log(p level.Priority, msg string, opts backend.LogOptions) {
	target := l.target
	if target == nil {
		target = defaultBackend()
	}
	opts.Name = l.name
	opts.Context = backend.MergeKV(append([]backend.KV{}, l.context...), opts.Context)
	opts.Depth++
	target.Log(p, msg, opts)
}

func (l Logger) Debug(msg string, kvs ...backend.KV) {
	l.log(level.Debug, msg, backend.LogOptions{Context: kvs, Depth: 1})
}

func (l Logger) Info(msg string, kvs ...backend.KV) {
	l.log(level.Info, msg, backend.LogOptions{Context: kvs, Depth: 1})
}

func (l Logger) Warning(msg string, kvs ...backend.KV) {
	l.log(level.Warning, msg, backend.LogOptions{Context: kvs, Depth: 1})
}

func (l Logger) Error(msg string, kvs ...backend.KV) {
	l.log(level.Error, msg, backend.LogOptions{Context: kvs, Depth: 1})
}

func (l Logger) Critical(msg string, kvs ...backend.KV) {
	l.log(level.Critical, msg, backend.LogOptions{Context: kvs, Depth: 1})
}

// Exception logs msg at ERROR with err attached, rendering its chain
// and stack according to the diagnose setting.
func (l Logger) Exception(err error, msg string, kvs ...backend.KV) {
	l.log(level.Error, msg, backend.LogOptions{Context: kvs, Err: err, Depth: 1})
}

// LogExceptions runs fn and, if it returns an error, logs it through
// the logger before returning it unchanged.
func (l Logger) LogExceptions(msg string, fn func() error) error {
	err := fn()
	if err != nil {
		l.log(level.Error, msg, backend.LogOptions{Err: err, Depth: 1})
	}
	return err
}

// WriterLogger adapts a Logger onto io.Writer so print-style output
// can be captured into the pipeline. Writes are split on newlines;
// partial lines are buffered until completed or flushed by Close.
type WriterLogger struct {
	mu       sync.Mutex
	logger   Logger
	priority level.Priority
	buf      bytes.Buffer
}

// NewWriterLogger returns a writer emitting one event per line at the
// given priority. Invalid priorities become INFO.
func NewWriterLogger(logger Logger, p level.Priority) *WriterLogger {
	if !p.IsValid() {
		p = level.Info
	}
	return &WriterLogger{logger: logger, priority: p}
}

func (w *WriterLogger) Write(in []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(in)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(in), nil
}

// Close flushes any buffered partial line as a final event.
func (w *WriterLogger) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *WriterLogger) emit(line string) {
	line = string(bytes.TrimRight([]byte(line), "\r\n"))
	if line == "" {
		return
	}
	w.logger.log(w.priority, line, backend.LogOptions{Depth: 2})
}

var _ io.WriteCloser = (*WriterLogger)(nil)
