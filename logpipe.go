// Package logpipe is a process-wide logging pipeline: a dispatch
// engine fanning events out to pluggable destination sinks, an
// enrichment pipeline adding process and request context, preset
// deployment profiles, and a bridge capturing slog and stdlib log
// traffic. Processes call Configure once at startup and log through
// Logger handles or the package-level functions.
package logpipe

import (
	"context"
	"sync"

	"github.com/libb-io/logpipe/backend"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
)

var (
	defaultMu sync.Mutex
	defaultB  *backend.Backend
)

// defaultBackend returns the process-wide backend, creating it on
// first use. Before Configure runs it has no sinks, so events fall
// through silently.
func defaultBackend() *backend.Backend {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultB == nil {
		defaultB = backend.New()
	}
	return defaultB
}

// rootLogger is the handle behind the package-level functions.
var rootLogger = Logger{name: "root"}

func Debug(msg string, kvs ...backend.KV)    { rootLogger.log(level.Debug, msg, pkgOpts(kvs)) }
func Info(msg string, kvs ...backend.KV)     { rootLogger.log(level.Info, msg, pkgOpts(kvs)) }
func Warning(msg string, kvs ...backend.KV)  { rootLogger.log(level.Warning, msg, pkgOpts(kvs)) }
func Error(msg string, kvs ...backend.KV)    { rootLogger.log(level.Error, msg, pkgOpts(kvs)) }
func Critical(msg string, kvs ...backend.KV) { rootLogger.log(level.Critical, msg, pkgOpts(kvs)) }

// Exception logs msg at ERROR with err attached.
func Exception(err error, msg string, kvs ...backend.KV) {
	rootLogger.log(level.Error, msg, backend.LogOptions{Context: kvs, Err: err, Depth: 1})
}

func pkgOpts(kvs []backend.KV) backend.LogOptions {
	return backend.LogOptions{Context: kvs, Depth: 1}
}

// AddSink registers a destination on the default backend and returns
// its removal handle. Events at or above threshold are delivered.
func AddSink(s send.Sender, threshold level.Priority) int {
	return defaultBackend().AddSink(s, threshold)
}

// RemoveSink detaches and closes the sink registered under the given
// handle. Unknown handles are a no-op.
func RemoveSink(id int) {
	defaultBackend().RemoveSink(id)
}

// Complete flushes every registered sink, draining buffered digests
// and async queues. Call it before process exit.
func Complete(ctx context.Context) error {
	return defaultBackend().Complete(ctx)
}
