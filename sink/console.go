// Package sink provides the delivery adapters that the dispatch
// engine fans events out to. Every adapter is a grip send.Sender:
// one Send is one delivery attempt, and nothing raised inside an
// adapter escapes its boundary. Failures go through the sender's
// error handler, which the engine points at its local sender when the
// adapter is registered.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// ANSI color codes keyed by severity, matching the long-standing
// console palette: debug magenta, info green, warning yellow, error
// and above red (critical bold).
const (
	ansiReset   = "\x1b[0m"
	ansiMagenta = "\x1b[35m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiRed     = "\x1b[31m"
	ansiBoldRed = "\x1b[1;31m"
)

func ansiColor(p level.Priority) string {
	switch {
	case p >= level.Critical:
		return ansiBoldRed
	case p >= level.Error:
		return ansiRed
	case p >= level.Warning:
		return ansiYellow
	case p >= level.Info:
		return ansiGreen
	default:
		return ansiMagenta
	}
}

// ConsoleOptions configure a console sink.
type ConsoleOptions struct {
	Name string
	// Output defaults to os.Stderr.
	Output io.Writer
	Format send.MessageFormatter
	// ForceColor applies color coding even when Output is not a
	// terminal; DisableColor wins over both. With neither set,
	// color is applied only when Output is an interactive terminal.
	ForceColor   bool
	DisableColor bool
}

type consoleSender struct {
	mu     sync.Mutex
	out    io.Writer
	format send.MessageFormatter
	color  bool
	*send.Base
}

// NewConsole returns a sink writing one formatted line per event to a
// stream, color coded by severity when the stream is an interactive
// terminal.
func NewConsole(opts ConsoleOptions) (send.Sender, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Format == nil {
		opts.Format = send.MakePlainFormatter()
	}
	if opts.Name == "" {
		opts.Name = "console"
	}

	s := &consoleSender{
		out:    opts.Output,
		format: opts.Format,
		color:  opts.ForceColor || isTerminal(opts.Output),
		Base:   send.NewBase(opts.Name),
	}
	if opts.DisableColor {
		s.color = false
	}

	return s, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (s *consoleSender) Send(m message.Composer) {
	if !m.Loggable() {
		return
	}

	line, err := s.format(m)
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "formatting console message"), m)
		return
	}

	if s.color {
		line = ansiColor(m.Priority()) + line + ansiReset
	}

	s.mu.Lock()
	_, err = fmt.Fprintln(s.out, line)
	s.mu.Unlock()
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "writing console message"), m)
	}
}

func (s *consoleSender) Flush(_ context.Context) error { return nil }
