package sink

import (
	"context"
	"strings"
	"sync"

	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
)

// DefaultDigestCapacity bounds a digest buffer when none is given.
const DefaultDigestCapacity = 1024

// DigestOptions configure a buffered digest mail sink.
type DigestOptions struct {
	Name   string
	Format send.MessageFormatter
	// Capacity is the buffered event count that triggers a flush.
	Capacity int
}

type digestSender struct {
	mu     sync.Mutex
	mailer Mailer
	format send.MessageFormatter
	cap    int
	buffer []digestEntry
	last   message.Composer
	driver Screenshotter
	*send.Base
}

type digestEntry struct {
	text string
	html string
}

// NewDigest returns a sink that accumulates events and delivers them
// as a single digest email once the buffer reaches capacity or the
// sink is flushed or closed. The flush policy is strictly
// count-based. The last buffered event determines the digest's
// subject, so a run that ends in failure is labeled as such. The
// buffer is cleared whether or not delivery succeeds, keeping memory
// bounded.
func NewDigest(mailer Mailer, opts DigestOptions) (send.Sender, error) {
	if mailer == nil {
		return nil, errors.New("digest sink requires a transport")
	}
	if opts.Format == nil {
		opts.Format = send.MakePlainFormatter()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultDigestCapacity
	}
	if opts.Name == "" {
		opts.Name = "mail-digest"
	}

	return &digestSender{
		mailer: mailer,
		format: opts.Format,
		cap:    opts.Capacity,
		Base:   send.NewBase(opts.Name),
	}, nil
}

// SetWebdriver injects the screenshot handle; it takes effect on the
// next flush.
func (s *digestSender) SetWebdriver(d Screenshotter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = d
}

func (s *digestSender) Send(m message.Composer) {
	if !m.Loggable() {
		return
	}

	text, html, err := renderMail(m, s.format)
	if err != nil {
		s.ErrorHandler()(err, m)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, digestEntry{text: text, html: html})
	s.last = m

	if len(s.buffer) >= s.cap {
		s.flush()
	}
}

// flush sends everything buffered as one message. Callers hold the
// mutex. Failures are reported once per buffered record, and the
// buffer is cleared regardless of outcome.
func (s *digestSender) flush() {
	if len(s.buffer) == 0 {
		return
	}

	texts := make([]string, len(s.buffer))
	htmls := make([]string, len(s.buffer))
	for i, entry := range s.buffer {
		texts[i] = entry.text
		htmls[i] = entry.html
	}

	inner := strings.Join(htmls, "\n")
	msg := &MailMessage{
		Subject: mailSubject(s.last),
		Text:    strings.Join(texts, "\n"),
		HTML:    wrapHTMLBody(inner),
	}

	if s.driver != nil {
		if err := attachScreenshot(msg, inner, s.driver); err != nil {
			s.ErrorHandler()(errors.Wrap(err, "capturing page state, sending without attachments"), s.last)
			msg.HTML = wrapHTMLBody(inner)
			msg.Attachments = nil
		}
	}

	err := s.mailer.Deliver(msg)
	if err != nil {
		for range s.buffer {
			s.ErrorHandler()(errors.Wrap(err, "delivering digest"), s.last)
		}
	}

	s.buffer = nil
	s.last = nil
}

// Flush delivers any buffered events immediately, regardless of
// capacity. This is the drain path used at shutdown.
func (s *digestSender) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flush()
	return nil
}

// Close performs a final flush.
func (s *digestSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flush()
	return s.Base.Close()
}
