package sink

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowSender blocks each delivery until released.
type slowSender struct {
	mu      sync.Mutex
	gate    chan struct{}
	handled []string
	errs    []error
	*send.Base
}

func newSlowSender() *slowSender {
	s := &slowSender{gate: make(chan struct{}), Base: send.NewBase("slow")}
	_ = s.SetErrorHandler(func(err error, _ message.Composer) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.errs = append(s.errs, err)
	})
	return s
}

func (s *slowSender) Send(m message.Composer) {
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, m.String())
}

func (s *slowSender) Flush(_ context.Context) error { return nil }

func (s *slowSender) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.handled))
	copy(out, s.handled)
	return out
}

func (s *slowSender) dropReports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	wrapped := newSlowSender()
	close(wrapped.gate)

	s := NewAsync(wrapped, 16)
	for i := 0; i < 5; i++ {
		s.Send(makeEvent(t, level.Info, fmt.Sprintf("msg-%d", i)))
	}

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3", "msg-4"}, wrapped.delivered())
}

func TestAsyncSendDoesNotBlockCaller(t *testing.T) {
	wrapped := newSlowSender()
	s := NewAsync(wrapped, 16)

	done := make(chan struct{})
	go func() {
		s.Send(makeEvent(t, level.Info, "queued"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on a slow delivery")
	}

	close(wrapped.gate)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, []string{"queued"}, wrapped.delivered())
}

func TestAsyncDropsWhenSaturated(t *testing.T) {
	wrapped := newSlowSender()
	s := NewAsync(wrapped, 1)

	// The worker parks on the first message; the second fills the
	// queue; the third has nowhere to go.
	s.Send(makeEvent(t, level.Info, "in flight"))
	s.Send(makeEvent(t, level.Info, "queued"))

	deadline := time.Now().Add(time.Second)
	for wrapped.dropReports() == 0 && time.Now().Before(deadline) {
		s.Send(makeEvent(t, level.Info, "overflow"))
		time.Sleep(time.Millisecond)
	}
	assert.Positive(t, wrapped.dropReports())

	close(wrapped.gate)
	require.NoError(t, s.Flush(context.Background()))
}

func TestAsyncFlushHonorsContext(t *testing.T) {
	wrapped := newSlowSender()
	s := NewAsync(wrapped, 16)
	s.Send(makeEvent(t, level.Info, "stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Flush(ctx))

	close(wrapped.gate)
}

func TestAsyncCloseDrainsAndRejectsLaterSends(t *testing.T) {
	wrapped := newSlowSender()
	close(wrapped.gate)

	s := NewAsync(wrapped, 16)
	s.Send(makeEvent(t, level.Info, "before close"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"before close"}, wrapped.delivered())

	s.Send(makeEvent(t, level.Info, "after close"))
	assert.Positive(t, wrapped.dropReports())
}
