package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"

	"github.com/libb-io/logpipe/backend"
)

const logFileTimestamp = "20060102_150405"

// LogFilePath builds the conventional timestamped log file path for
// an application under dir.
func LogFilePath(dir, app string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", app, t.Format(logFileTimestamp)))
}

// FileOptions configure a file sink.
type FileOptions struct {
	Name string
	// Path is the initial log file. Rotation replaces it with a
	// fresh timestamped file alongside it.
	Path   string
	Format send.MessageFormatter
	// Preamble writes an identity block before any message that
	// carries preamble enrichment.
	Preamble bool
	// RotateInterval rotates the file when the current one has been
	// in use at least this long. Zero disables time rotation.
	RotateInterval time.Duration
	// MaxSize rotates the file when it would exceed this many
	// bytes. Zero disables size rotation.
	MaxSize int64
	// RetentionCount keeps the newest N rotated files for the same
	// application, pruning older ones. Zero disables pruning.
	RetentionCount int
}

type fileSender struct {
	mu       sync.Mutex
	opts     FileOptions
	path     string
	openedAt time.Time
	*send.Base
}

// NewFile returns a sink that reopens and closes the target file on
// every write, so that external rotation or deletion is always picked
// up and nothing holds a descriptor between events.
func NewFile(opts FileOptions) (send.Sender, error) {
	if opts.Path == "" {
		return nil, errors.New("file sink requires a path")
	}
	if opts.Format == nil {
		opts.Format = send.MakePlainFormatter()
	}
	if opts.Name == "" {
		opts.Name = "file"
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}

	s := &fileSender{
		opts:     opts,
		path:     opts.Path,
		openedAt: time.Now(),
		Base:     send.NewBase(opts.Name),
	}

	return s, nil
}

func (s *fileSender) Send(m message.Composer) {
	if !m.Loggable() {
		return
	}

	line, err := s.format(m)
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "formatting file message"), m)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.maybeRotate(len(line)); err != nil {
		s.ErrorHandler()(errors.Wrap(err, "rotating log file"), m)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.ErrorHandler()(errors.Wrapf(err, "opening log file %q", s.path), m)
		return
	}
	defer f.Close()

	if s.opts.Preamble {
		// The identity block heads each fresh file, ahead of the
		// first message.
		if info, statErr := f.Stat(); statErr == nil && info.Size() == 0 {
			if block := preambleBlock(m); block != "" {
				if _, err := f.WriteString(block); err != nil {
					s.ErrorHandler()(errors.Wrap(err, "writing preamble"), m)
				}
			}
		}
	}

	if _, err := f.WriteString(line + "\n"); err != nil {
		s.ErrorHandler()(errors.Wrapf(err, "writing to log file %q", s.path), m)
	}
}

func (s *fileSender) format(m message.Composer) (string, error) {
	return s.opts.Format(m)
}

// Flush is a no-op: the file is reopened and closed on every write.
func (s *fileSender) Flush(_ context.Context) error { return nil }

// maybeRotate starts a fresh timestamped file when the size or time
// bound is hit, then prunes old files beyond the retention count.
func (s *fileSender) maybeRotate(incoming int) error {
	rotate := false

	if s.opts.RotateInterval > 0 && time.Since(s.openedAt) >= s.opts.RotateInterval {
		rotate = true
	}
	if !rotate && s.opts.MaxSize > 0 {
		if info, err := os.Stat(s.path); err == nil && info.Size()+int64(incoming) > s.opts.MaxSize {
			rotate = true
		}
	}
	if !rotate {
		return nil
	}

	// The name scheme has second resolution, so rapid rotations walk
	// the timestamp forward until the name is unused.
	now := time.Now()
	candidate := LogFilePath(filepath.Dir(s.path), s.appPrefix(), now)
	for candidate == s.path || fileExists(candidate) {
		now = now.Add(time.Second)
		candidate = LogFilePath(filepath.Dir(s.path), s.appPrefix(), now)
	}
	s.path = candidate
	s.openedAt = time.Now()

	return s.prune()
}

// appPrefix recovers the application portion of the current file
// name, i.e. everything before the trailing timestamp.
func (s *fileSender) appPrefix() string {
	base := strings.TrimSuffix(filepath.Base(s.path), ".log")
	if i := strings.LastIndex(base, "_"); i > 0 {
		if j := strings.LastIndex(base[:i], "_"); j > 0 {
			return base[:j]
		}
	}
	return base
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *fileSender) prune() error {
	if s.opts.RetentionCount <= 0 {
		return nil
	}

	pattern := filepath.Join(filepath.Dir(s.path), s.appPrefix()+"_*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "listing rotated log files")
	}

	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	for i, path := range matches {
		if i < s.opts.RetentionCount || path == s.path {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing expired log file %q", path)
		}
	}

	return nil
}

// preambleBlock renders the identity block written ahead of enriched
// messages:
//
//	***********************
//	** Time:  ...
//	** App:   ...
//	** Args:  ...
//	** Setup: ...
//	***********************
func preambleBlock(m message.Composer) string {
	e, ok := m.Raw().(*backend.Event)
	if !ok || e.Extra(backend.ExtraApp) == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("***********************\n")
	fmt.Fprintf(&b, "** Time:  %s\n", e.Timestamp.Format("2006-01-02 15:04:05,000"))
	fmt.Fprintf(&b, "** App:   %s\n", e.Extra(backend.ExtraApp))
	fmt.Fprintf(&b, "** Args:  %s\n", e.Extra(backend.ExtraArgs))
	fmt.Fprintf(&b, "** Setup: %s\n", e.Extra(backend.ExtraSetup))
	b.WriteString("***********************\n")
	return b.String()
}
