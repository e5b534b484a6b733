package bridge

import (
	"log"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/libb-io/logpipe/backend"
	"github.com/mongodb/grip/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// recordingTarget captures Log calls for inspection.
type recordingTarget struct {
	mu    sync.Mutex
	calls []targetCall
}

type targetCall struct {
	priority level.Priority
	msg      string
	opts     backend.LogOptions
}

func (t *recordingTarget) Log(p level.Priority, msg string, opts backend.LogOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, targetCall{priority: p, msg: msg, opts: opts})
}

func (t *recordingTarget) captured() []targetCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]targetCall, len(t.calls))
	copy(out, t.calls)
	return out
}

type BridgeSuite struct {
	suite.Suite
	target *recordingTarget
	bridge *Bridge
}

func TestBridgeSuite(t *testing.T) {
	suite.Run(t, new(BridgeSuite))
}

func (s *BridgeSuite) SetupTest() {
	s.target = &recordingTarget{}
	s.bridge = New(s.target)
}

func (s *BridgeSuite) TearDownTest() {
	s.bridge.Uninstall()
}

func (s *BridgeSuite) TestOneEventPerCall() {
	s.bridge.NamedLogger("job").Info("first")
	s.bridge.NamedLogger("job").Info("second")

	calls := s.target.captured()
	s.Require().Len(calls, 2)
	s.Equal("first", calls[0].msg)
	s.Equal("second", calls[1].msg)
}

func (s *BridgeSuite) TestNamePropagates() {
	s.bridge.NamedLogger("web").Warn("slow request")

	calls := s.target.captured()
	s.Require().Len(calls, 1)
	s.Equal("web", calls[0].opts.Name)
	s.Equal(level.Warning, calls[0].priority)
}

func (s *BridgeSuite) TestCallSiteAttribution() {
	_, file, _, _ := runtime.Caller(0)
	s.bridge.NamedLogger("job").Info("here")

	calls := s.target.captured()
	s.Require().Len(calls, 1)
	s.Equal(filepath.Base(file), filepath.Base(calls[0].opts.File))
	s.NotZero(calls[0].opts.Line)
}

func (s *BridgeSuite) TestLevelMapping() {
	for name, test := range map[string]struct {
		in       slog.Level
		expected level.Priority
	}{
		"Debug":       {in: slog.LevelDebug, expected: level.Debug},
		"Info":        {in: slog.LevelInfo, expected: level.Info},
		"Warn":        {in: slog.LevelWarn, expected: level.Warning},
		"Error":       {in: slog.LevelError, expected: level.Error},
		"BelowDebug":  {in: slog.LevelDebug - 4, expected: level.Trace},
		"BetweenInfo": {in: slog.LevelInfo + 2, expected: level.Warning},
		"Critical":    {in: slog.LevelError + 4, expected: level.Critical},
	} {
		s.Run(name, func() {
			s.Equal(test.expected, priorityFromSlog(test.in))
		})
	}
}

func (s *BridgeSuite) TestAttrsBecomeContext() {
	s.bridge.NamedLogger("job").Info("hello", "attempt", 3)

	calls := s.target.captured()
	s.Require().Len(calls, 1)
	s.Require().Len(calls[0].opts.Context, 1)
	s.Equal("attempt", calls[0].opts.Context[0].Key)
	s.EqualValues(3, calls[0].opts.Context[0].Value)
}

func (s *BridgeSuite) TestErrorAttrAttaches() {
	s.bridge.NamedLogger("job").Error("failed", "error", assert.AnError)

	calls := s.target.captured()
	s.Require().Len(calls, 1)
	s.Equal(assert.AnError, calls[0].opts.Err)
	s.Empty(calls[0].opts.Context)
}

func (s *BridgeSuite) TestGroupsQualifyKeys() {
	s.bridge.NamedLogger("job").WithGroup("req").Info("hello", "id", "abc")

	calls := s.target.captured()
	s.Require().Len(calls, 1)
	s.Equal("req.id", calls[0].opts.Context[0].Key)
}

func (s *BridgeSuite) TestThresholdFiltering() {
	s.bridge.SetLevel("warning")
	logger := s.bridge.NamedLogger("job")

	logger.Info("dropped")
	logger.Warn("kept")

	calls := s.target.captured()
	s.Require().Len(calls, 1)
	s.Equal("kept", calls[0].msg)

	// Unknown names open the bridge fully.
	s.bridge.SetLevel("everything")
	logger.Debug("visible again")
	s.Len(s.target.captured(), 2)
}

func (s *BridgeSuite) TestInstallRoutesDefaultLoggers() {
	s.bridge.Install("job", "web")

	slog.Info("via slog")
	log.Print("via log")

	calls := s.target.captured()
	s.Require().Len(calls, 2)
	s.Equal("via slog", calls[0].msg)
	s.Equal("via log", calls[1].msg)
	s.Equal("log", calls[1].opts.Name)
}

func (s *BridgeSuite) TestInstallPreregistersNames() {
	s.bridge.Install("job", "web")
	s.ElementsMatch([]string{"job", "web"}, s.bridge.Names())
}

func (s *BridgeSuite) TestUninstallRestoresPriorState() {
	prevDefault := slog.Default()
	prevFlags := log.Flags()

	s.bridge.Install("job")
	s.bridge.Uninstall()

	s.Equal(prevDefault, slog.Default())
	s.Equal(prevFlags, log.Flags())

	log.Print("not captured")
	slog.Info("not captured either")
	s.Empty(s.target.captured())
}

func (s *BridgeSuite) TestForType() {
	type worker struct{}

	logger := s.bridge.ForType(&worker{}, "")
	require.NotNil(s.T(), logger)
	logger.Info("typed")

	calls := s.target.captured()
	s.Require().Len(calls, 1)
	s.Contains(calls[0].opts.Name, "worker")
}

func TestWriterBridgeSplitsLines(t *testing.T) {
	target := &recordingTarget{}
	w := &writerBridge{bridge: New(target)}

	n, err := w.Write([]byte("one\ntwo\n\nthree\n"))
	require.NoError(t, err)
	assert.Equal(t, len("one\ntwo\n\nthree\n"), n)

	calls := target.captured()
	require.Len(t, calls, 3)
	assert.Equal(t, "one", calls[0].msg)
	assert.Equal(t, "two", calls[1].msg)
	assert.Equal(t, "three", calls[2].msg)
	for _, c := range calls {
		assert.Equal(t, level.Info, c.priority)
	}
}
