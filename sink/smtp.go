package sink

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

const defaultSMTPPort = 25

// SMTPOptions configure an SMTP mail transport.
type SMTPOptions struct {
	Host string
	// Port defaults to 25.
	Port     int
	Username string
	Password string
	// UseSSL dials a TLS connection outright; UseStartTLS upgrades
	// a plain connection. They are mutually exclusive.
	UseSSL      bool
	UseStartTLS bool
	From        string
	Recipients  []string
}

func (opts *SMTPOptions) validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(opts.Host == "", "must specify an smtp host")
	catcher.NewWhen(opts.From == "", "must specify a from address")
	catcher.NewWhen(len(opts.Recipients) == 0, "must specify at least one recipient")
	catcher.NewWhen(opts.UseSSL && opts.UseStartTLS, "ssl and starttls are mutually exclusive")

	if opts.Port == 0 {
		opts.Port = defaultSMTPPort
	}

	return catcher.Resolve()
}

// SMTPMailer delivers rendered messages over SMTP, optionally with
// SSL or STARTTLS and plain authentication.
type SMTPMailer struct {
	opts SMTPOptions
}

// NewSMTPMailer validates the options and returns the transport.
func NewSMTPMailer(opts SMTPOptions) (*SMTPMailer, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid smtp options")
	}
	return &SMTPMailer{opts: opts}, nil
}

// Deliver performs exactly one send attempt.
func (t *SMTPMailer) Deliver(msg *MailMessage) error {
	body, err := encodeMIME(t.opts.From, t.opts.Recipients, msg)
	if err != nil {
		return errors.Wrap(err, "encoding mime message")
	}

	addr := net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))

	var client *smtp.Client
	if t.opts.UseSSL {
		conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: t.opts.Host})
		if err != nil {
			return errors.Wrap(err, "dialing smtp over tls")
		}
		client, err = smtp.NewClient(conn, t.opts.Host)
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "starting smtp session")
		}
	} else {
		client, err = smtp.Dial(addr)
		if err != nil {
			return errors.Wrap(err, "dialing smtp")
		}
	}
	defer client.Close()

	if t.opts.UseStartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: t.opts.Host}); err != nil {
			return errors.Wrap(err, "starting tls")
		}
	}

	if t.opts.Username != "" {
		auth := smtp.PlainAuth("", t.opts.Username, t.opts.Password, t.opts.Host)
		if err := client.Auth(auth); err != nil {
			return errors.Wrap(err, "authenticating to smtp server")
		}
	}

	if err := client.Mail(t.opts.From); err != nil {
		return errors.Wrap(err, "setting sender")
	}
	for _, rcpt := range t.opts.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "adding recipient %q", rcpt)
		}
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "opening message body")
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return errors.Wrap(err, "writing message body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "finishing message body")
	}

	return errors.Wrap(client.Quit(), "closing smtp session")
}

// encodeMIME builds the full RFC 2045 message: a multipart/mixed
// envelope (when attachments are present) around a
// multipart/alternative text+HTML pair.
func encodeMIME(from string, recipients []string, msg *MailMessage) ([]byte, error) {
	var buf bytes.Buffer

	mixed := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(recipients, ","))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	contentType := "multipart/alternative"
	if len(msg.Attachments) > 0 {
		contentType = "multipart/mixed"
	}
	fmt.Fprintf(&buf, "Content-Type: %s; boundary=%q\r\n\r\n", contentType, mixed.Boundary())

	if err := writeAlternative(mixed, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", att.MIMEType)
		header.Set("Content-Transfer-Encoding", "base64")
		header.Set("Content-ID", fmt.Sprintf("<%s>", att.Name))
		disposition := "attachment"
		if att.Inline {
			disposition = "inline"
		}
		header.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, att.Name))

		part, err := mixed.CreatePart(header)
		if err != nil {
			return nil, errors.Wrapf(err, "creating attachment part %q", att.Name)
		}
		enc := base64.NewEncoder(base64.StdEncoding, part)
		if _, err := enc.Write(att.Content); err != nil {
			return nil, errors.Wrapf(err, "encoding attachment %q", att.Name)
		}
		if err := enc.Close(); err != nil {
			return nil, errors.Wrapf(err, "finishing attachment %q", att.Name)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, errors.Wrap(err, "closing mime message")
	}

	return buf.Bytes(), nil
}

func writeAlternative(w *multipart.Writer, msg *MailMessage) error {
	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", part.contentType)

		p, err := w.CreatePart(header)
		if err != nil {
			return errors.Wrap(err, "creating body part")
		}
		if _, err := p.Write([]byte(part.body)); err != nil {
			return errors.Wrap(err, "writing body part")
		}
	}
	return nil
}
