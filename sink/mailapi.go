package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

const (
	defaultMailAPIURL     = "https://mandrillapp.com/api/1.0/messages/send"
	defaultMailAPITimeout = 10 * time.Second
)

// MailAPIOptions configure the HTTP messaging API mail transport.
type MailAPIOptions struct {
	APIKey string
	From   string
	To     []string
	// URL overrides the API endpoint, which tests rely on.
	URL string
	// Timeout bounds one delivery attempt. Defaults to 10s.
	Timeout time.Duration
}

func (opts *MailAPIOptions) validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(opts.APIKey == "", "must specify an api key")
	catcher.NewWhen(opts.From == "", "must specify a from address")
	catcher.NewWhen(len(opts.To) == 0, "must specify at least one recipient")

	if opts.URL == "" {
		opts.URL = defaultMailAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultMailAPITimeout
	}

	return catcher.Resolve()
}

// APIMailer delivers rendered messages through a Mandrill-style
// transactional messaging API instead of SMTP.
type APIMailer struct {
	opts MailAPIOptions
}

// NewAPIMailer validates the options and returns the transport.
func NewAPIMailer(opts MailAPIOptions) (*APIMailer, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid mail api options")
	}
	return &APIMailer{opts: opts}, nil
}

type apiRecipient struct {
	Email string `json:"email"`
}

type apiAttachment struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type apiMessage struct {
	FromEmail   string          `json:"from_email"`
	To          []apiRecipient  `json:"to"`
	Subject     string          `json:"subject"`
	Text        string          `json:"text"`
	HTML        string          `json:"html"`
	Images      []apiAttachment `json:"images,omitempty"`
	Attachments []apiAttachment `json:"attachments,omitempty"`
}

type apiPayload struct {
	Key     string     `json:"key"`
	Message apiMessage `json:"message"`
}

// Deliver performs exactly one send attempt.
func (t *APIMailer) Deliver(msg *MailMessage) error {
	payload := apiPayload{
		Key: t.opts.APIKey,
		Message: apiMessage{
			FromEmail: t.opts.From,
			Subject:   msg.Subject,
			Text:      msg.Text,
			HTML:      msg.HTML,
		},
	}
	for _, addr := range t.opts.To {
		payload.Message.To = append(payload.Message.To, apiRecipient{Email: addr})
	}
	for _, att := range msg.Attachments {
		encoded := apiAttachment{
			Type:    att.MIMEType,
			Name:    att.Name,
			Content: base64.StdEncoding.EncodeToString(att.Content),
		}
		if att.Inline {
			payload.Message.Images = append(payload.Message.Images, encoded)
		} else {
			payload.Message.Attachments = append(payload.Message.Attachments, encoded)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshalling api payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building api request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := utility.GetHTTPClient()
	defer utility.PutHTTPClient(client)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting to mail api")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("mail api returned %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), out)
	}

	return nil
}
