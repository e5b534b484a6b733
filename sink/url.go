package sink

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
)

const defaultURLTimeout = 10 * time.Second

// URLOptions configure a generic HTTP POST sink, typically pointed at
// a hosted log aggregator's collection endpoint.
type URLOptions struct {
	Name   string
	URL    string
	Format send.MessageFormatter
	// Timeout bounds one delivery attempt. Defaults to 10s.
	Timeout time.Duration
}

type urlSender struct {
	opts URLOptions
	*send.Base
}

// NewURL returns a sink that POSTs each formatted message body to the
// configured URL.
func NewURL(opts URLOptions) (send.Sender, error) {
	if _, err := url.ParseRequestURI(opts.URL); err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", opts.URL)
	}
	if opts.Format == nil {
		opts.Format = send.MakePlainFormatter()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultURLTimeout
	}
	if opts.Name == "" {
		opts.Name = "url"
	}

	return &urlSender{
		opts: opts,
		Base: send.NewBase(opts.Name),
	}, nil
}

func (s *urlSender) Send(m message.Composer) {
	if !m.Loggable() {
		return
	}

	body, err := s.opts.Format(m)
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "formatting message"), m)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, strings.NewReader(body))
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "building request"), m)
		return
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	client := utility.GetHTTPClient()
	defer utility.PutHTTPClient(client)

	resp, err := client.Do(req)
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "posting message"), m)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.ErrorHandler()(errors.Errorf("endpoint returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)), m)
	}
}

func (s *urlSender) Flush(_ context.Context) error { return nil }
