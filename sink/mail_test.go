package sink

import (
	"testing"

	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScreenshotter captures canned page state, or fails.
type fakeScreenshotter struct {
	err error
}

func (f *fakeScreenshotter) CurrentURL() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://app.example.com/run/42", nil
}

func (f *fakeScreenshotter) Screenshot() ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (f *fakeScreenshotter) PageSource() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "<html>page</html>", nil
}

func TestMailRequiresTransport(t *testing.T) {
	_, err := NewMail(nil, MailOptions{})
	assert.Error(t, err)
}

func TestMailDeliversTextAndHTML(t *testing.T) {
	mailer := &fakeMailer{}
	s, err := NewMail(mailer, MailOptions{})
	require.NoError(t, err)

	s.Send(makeEvent(t, level.Error, "boom & <bust>"))

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "boom & <bust>")
	assert.Contains(t, msgs[0].HTML, "boom &amp; &lt;bust&gt;")
	assert.Contains(t, msgs[0].HTML, htmlColor(level.Error))
	assert.Contains(t, msgs[0].Subject, "ERROR")
}

func TestMailWithoutWebdriverHasNoAttachments(t *testing.T) {
	mailer := &fakeMailer{}
	s, err := NewMail(mailer, MailOptions{})
	require.NoError(t, err)

	s.Send(makeEvent(t, level.Error, "plain"))

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Attachments)
}

func TestMailAttachesScreenshot(t *testing.T) {
	mailer := &fakeMailer{}
	s, err := NewMail(mailer, MailOptions{})
	require.NoError(t, err)

	s.(WebdriverPatchable).SetWebdriver(&fakeScreenshotter{})
	s.Send(makeEvent(t, level.Error, "with page state"))

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 2)

	assert.Equal(t, "screenshot.png", msgs[0].Attachments[0].Name)
	assert.True(t, msgs[0].Attachments[0].Inline)
	assert.Equal(t, "page_source.txt", msgs[0].Attachments[1].Name)
	assert.False(t, msgs[0].Attachments[1].Inline)

	assert.Contains(t, msgs[0].HTML, "cid:screenshot.png")
	assert.Contains(t, msgs[0].HTML, "https://app.example.com/run/42")
}

func TestMailCaptureFailureFallsBackToPlain(t *testing.T) {
	mailer := &fakeMailer{}
	s, err := NewMail(mailer, MailOptions{})
	require.NoError(t, err)

	var reported error
	require.NoError(t, s.SetErrorHandler(func(err error, _ message.Composer) { reported = err }))

	s.(WebdriverPatchable).SetWebdriver(&fakeScreenshotter{err: assert.AnError})
	s.Send(makeEvent(t, level.Error, "still delivered"))

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Attachments)
	assert.NotContains(t, msgs[0].HTML, "cid:screenshot.png")
	assert.ErrorIs(t, reported, assert.AnError)
}

func TestMailDeliveryFailureIsReported(t *testing.T) {
	mailer := &fakeMailer{err: assert.AnError}
	s, err := NewMail(mailer, MailOptions{})
	require.NoError(t, err)

	var reported error
	require.NoError(t, s.SetErrorHandler(func(err error, _ message.Composer) { reported = err }))

	s.Send(makeEvent(t, level.Error, "undeliverable"))
	assert.ErrorIs(t, reported, assert.AnError)
}
