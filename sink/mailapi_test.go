package sink

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailAPIOptionsValidate(t *testing.T) {
	for name, test := range map[string]struct {
		opts  MailAPIOptions
		valid bool
	}{
		"Minimal": {
			opts:  MailAPIOptions{APIKey: "key", From: "a@example.com", To: []string{"b@example.com"}},
			valid: true,
		},
		"MissingKey":   {opts: MailAPIOptions{From: "a@example.com", To: []string{"b@example.com"}}},
		"MissingFrom":  {opts: MailAPIOptions{APIKey: "key", To: []string{"b@example.com"}}},
		"NoRecipients": {opts: MailAPIOptions{APIKey: "key", From: "a@example.com"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewAPIMailer(test.opts)
			if test.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAPIMailerDeliver(t *testing.T) {
	var received apiPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mailer, err := NewAPIMailer(MailAPIOptions{
		APIKey: "secret",
		From:   "a@example.com",
		To:     []string{"b@example.com", "c@example.com"},
		URL:    srv.URL,
	})
	require.NoError(t, err)

	require.NoError(t, mailer.Deliver(&MailMessage{
		Subject: "worker-1 job ERROR",
		Text:    "plain",
		HTML:    "<html></html>",
		Attachments: []MailAttachment{
			{Name: "screenshot.png", MIMEType: "image/png", Content: []byte{1}, Inline: true},
			{Name: "page_source.txt", MIMEType: "text/plain", Content: []byte("src")},
		},
	}))

	assert.Equal(t, "secret", received.Key)
	assert.Equal(t, "a@example.com", received.Message.FromEmail)
	require.Len(t, received.Message.To, 2)
	assert.Equal(t, "b@example.com", received.Message.To[0].Email)
	assert.Equal(t, "worker-1 job ERROR", received.Message.Subject)

	// Inline attachments travel as images, the rest as attachments.
	require.Len(t, received.Message.Images, 1)
	assert.Equal(t, "screenshot.png", received.Message.Images[0].Name)
	require.Len(t, received.Message.Attachments, 1)
	assert.Equal(t, "page_source.txt", received.Message.Attachments[0].Name)
}

func TestAPIMailerRejectsAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	mailer, err := NewAPIMailer(MailAPIOptions{
		APIKey: "bad",
		From:   "a@example.com",
		To:     []string{"b@example.com"},
		URL:    srv.URL,
	})
	require.NoError(t, err)

	err = mailer.Deliver(&MailMessage{Subject: "s", Text: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid key")
}
