package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"

	"github.com/libb-io/logpipe/backend"
)

// MailAttachment is one file attached to an outbound message.
type MailAttachment struct {
	Name     string
	MIMEType string
	Content  []byte
	// Inline images are referenced from the HTML body by their
	// Content-ID (the attachment name).
	Inline bool
}

// MailMessage is one fully rendered outbound email, independent of
// the transport that delivers it.
type MailMessage struct {
	Subject     string
	Text        string
	HTML        string
	Attachments []MailAttachment
}

// Mailer is the transport boundary: deliver one rendered message.
type Mailer interface {
	Deliver(*MailMessage) error
}

// Screenshotter is the runtime-injected handle used by
// screenshot-capable mail sinks to capture page state at delivery
// time.
type Screenshotter interface {
	CurrentURL() (string, error)
	Screenshot() ([]byte, error)
	PageSource() (string, error)
}

// WebdriverPatchable is implemented by sinks that accept a
// screenshot handle after construction.
type WebdriverPatchable interface {
	SetWebdriver(Screenshotter)
}

// HTML body colors keyed by severity, matching the console palette.
func htmlColor(p level.Priority) string {
	switch {
	case p >= level.Error:
		return "#EE0000"
	case p >= level.Warning:
		return "#DAA520"
	case p >= level.Info:
		return "#228B22"
	case p >= level.Debug:
		return "#D0D2C4"
	default:
		return "#000"
	}
}

// mailSubject builds the conventional "machine name LEVEL" subject.
func mailSubject(m message.Composer) string {
	name, machine := "", ""
	if e, ok := m.Raw().(*backend.Event); ok {
		name = e.Name
		machine = e.Extra(backend.ExtraMachine)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", machine, name, strings.ToUpper(m.Priority().String())))
}

// renderMail produces the text and HTML representations of one event.
func renderMail(m message.Composer, format send.MessageFormatter) (text, html string, err error) {
	text, err = format(m)
	if err != nil {
		return "", "", errors.Wrap(err, "formatting mail message")
	}
	html = fmt.Sprintf(`<pre style="color:%s;">%s</pre>`, htmlColor(m.Priority()), htmlEscape(text))
	return text, html, nil
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func wrapHTMLBody(inner string) string {
	return "<html><body>" + inner + "</body></html>"
}

// MailOptions configure a per-event mail sink.
type MailOptions struct {
	Name   string
	Format send.MessageFormatter
}

type mailSender struct {
	mu     sync.Mutex
	mailer Mailer
	format send.MessageFormatter
	driver Screenshotter
	*send.Base
}

// NewMail returns a sink sending one multipart text+HTML email per
// event through the given transport. When a webdriver handle has been
// injected, a screenshot and page source of the current page are
// attached; capture failure falls back to the plain message rather
// than failing the send.
func NewMail(mailer Mailer, opts MailOptions) (send.Sender, error) {
	if mailer == nil {
		return nil, errors.New("mail sink requires a transport")
	}
	if opts.Format == nil {
		opts.Format = send.MakePlainFormatter()
	}
	if opts.Name == "" {
		opts.Name = "mail"
	}

	return &mailSender{
		mailer: mailer,
		format: opts.Format,
		Base:   send.NewBase(opts.Name),
	}, nil
}

// SetWebdriver injects the screenshot handle; it may be called at any
// time and takes effect on the next delivery.
func (s *mailSender) SetWebdriver(d Screenshotter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = d
}

func (s *mailSender) webdriver() Screenshotter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

func (s *mailSender) Send(m message.Composer) {
	if !m.Loggable() {
		return
	}

	text, html, err := renderMail(m, s.format)
	if err != nil {
		s.ErrorHandler()(err, m)
		return
	}

	msg := &MailMessage{
		Subject: mailSubject(m),
		Text:    text,
		HTML:    wrapHTMLBody(html),
	}

	if driver := s.webdriver(); driver != nil {
		if err := attachScreenshot(msg, html, driver); err != nil {
			// Fall back to the plain message rather than losing
			// the event.
			s.ErrorHandler()(errors.Wrap(err, "capturing page state, sending without attachments"), m)
			msg.HTML = wrapHTMLBody(html)
			msg.Attachments = nil
		}
	}

	if err := s.mailer.Deliver(msg); err != nil {
		s.ErrorHandler()(errors.Wrap(err, "delivering mail"), m)
	}
}

func (s *mailSender) Flush(_ context.Context) error { return nil }

// attachScreenshot rewrites the HTML body to reference the captured
// image and attaches the screenshot and page source.
func attachScreenshot(msg *MailMessage, innerHTML string, driver Screenshotter) error {
	url, err := driver.CurrentURL()
	if err != nil {
		return errors.Wrap(err, "reading current url")
	}
	shot, err := driver.Screenshot()
	if err != nil {
		return errors.Wrap(err, "capturing screenshot")
	}
	source, err := driver.PageSource()
	if err != nil {
		return errors.Wrap(err, "capturing page source")
	}

	link := fmt.Sprintf(`<div><a href="%s">%s</a></div>`, url, url)
	msg.HTML = wrapHTMLBody(innerHTML + link + `<img src="cid:screenshot.png"/>`)
	msg.Attachments = []MailAttachment{
		{Name: "screenshot.png", MIMEType: "image/png", Content: shot, Inline: true},
		{Name: "page_source.txt", MIMEType: "text/plain", Content: []byte(source)},
	}
	return nil
}
