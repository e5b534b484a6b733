package backend

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
)

const timestampFormat = "2006-01-02 15:04:05,000"

// FormatOptions control the stock line formatters.
type FormatOptions struct {
	// Diagnose renders attached errors verbosely (%+v), including
	// stack traces when the error carries one.
	Diagnose bool
}

// MakeJobFormatter renders the batch-family line:
//
//	LEVL 2006-01-02 15:04:05,000 machine name file:line message
func MakeJobFormatter(opts FormatOptions) send.MessageFormatter {
	return func(m message.Composer) (string, error) {
		e, ok := m.Raw().(*Event)
		if !ok {
			return m.String(), nil
		}
		return formatLine(e, false, opts.Diagnose), nil
	}
}

// MakeWebFormatter renders the request-family line, which adds the
// resolved user and remote host:
//
//	LEVL 2006-01-02 15:04:05,000 machine name file:line [user ip] message
func MakeWebFormatter(opts FormatOptions) send.MessageFormatter {
	return func(m message.Composer) (string, error) {
		e, ok := m.Raw().(*Event)
		if !ok {
			return m.String(), nil
		}
		return formatLine(e, true, opts.Diagnose), nil
	}
}

func formatLine(e *Event, web, diagnose bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%-4s %s %s %s %s",
		strings.ToUpper(e.Priority().String()),
		e.Timestamp.Format(timestampFormat),
		e.Extra(ExtraMachine),
		e.Name,
		sourceRef(e))

	if web {
		fmt.Fprintf(&b, " [%s %s]", e.Extra(ExtraUser), e.Extra(ExtraRemoteIP))
	}

	b.WriteString(" ")
	b.WriteString(e.String())

	if ctx := e.ContextString(); ctx != "" {
		b.WriteString(" ")
		b.WriteString(ctx)
	}

	if e.Err != nil {
		if diagnose {
			fmt.Fprintf(&b, "\n%+v", e.Err)
		} else if e.Message != "" {
			fmt.Fprintf(&b, ": %v", e.Err)
		}
	}

	return b.String()
}

func sourceRef(e *Event) string {
	if e.File == "" {
		return "-"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(e.File), e.Line)
}
