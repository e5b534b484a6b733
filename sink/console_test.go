package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libb-io/logpipe/backend"
)

func makeEvent(t *testing.T, p level.Priority, msg string) *backend.Event {
	e := &backend.Event{Message: msg}
	require.NoError(t, e.SetPriority(p))
	return e
}

func TestConsoleWritesOneLinePerEvent(t *testing.T) {
	buf := &bytes.Buffer{}
	s, err := NewConsole(ConsoleOptions{Output: buf})
	require.NoError(t, err)

	s.Send(makeEvent(t, level.Info, "first"))
	s.Send(makeEvent(t, level.Info, "second"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")
}

func TestConsoleSkipsNonLoggable(t *testing.T) {
	buf := &bytes.Buffer{}
	s, err := NewConsole(ConsoleOptions{Output: buf})
	require.NoError(t, err)

	s.Send(&backend.Event{})
	assert.Empty(t, buf.String())
}

func TestConsoleColor(t *testing.T) {
	for name, test := range map[string]struct {
		priority level.Priority
		code     string
	}{
		"DebugMagenta":   {priority: level.Debug, code: ansiMagenta},
		"InfoGreen":      {priority: level.Info, code: ansiGreen},
		"WarningYellow":  {priority: level.Warning, code: ansiYellow},
		"ErrorRed":       {priority: level.Error, code: ansiRed},
		"CriticalBolded": {priority: level.Critical, code: ansiBoldRed},
	} {
		t.Run(name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			s, err := NewConsole(ConsoleOptions{Output: buf, ForceColor: true})
			require.NoError(t, err)

			s.Send(makeEvent(t, test.priority, "colored"))
			assert.True(t, strings.HasPrefix(buf.String(), test.code))
			assert.Contains(t, buf.String(), ansiReset)
		})
	}
}

func TestConsoleBufferGetsNoColorByDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	s, err := NewConsole(ConsoleOptions{Output: buf})
	require.NoError(t, err)

	s.Send(makeEvent(t, level.Error, "plain"))
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestConsoleDisableColorWins(t *testing.T) {
	buf := &bytes.Buffer{}
	s, err := NewConsole(ConsoleOptions{Output: buf, ForceColor: true, DisableColor: true})
	require.NoError(t, err)

	s.Send(makeEvent(t, level.Error, "plain"))
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestConsoleFormatErrorGoesToErrorHandler(t *testing.T) {
	buf := &bytes.Buffer{}
	s, err := NewConsole(ConsoleOptions{
		Output: buf,
		Format: func(message.Composer) (string, error) { return "", assert.AnError },
	})
	require.NoError(t, err)

	var reported error
	require.NoError(t, s.SetErrorHandler(func(err error, _ message.Composer) { reported = err }))

	s.Send(makeEvent(t, level.Info, "never rendered"))
	assert.ErrorIs(t, reported, assert.AnError)
	assert.Empty(t, buf.String())
}
