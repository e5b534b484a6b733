package sink

import (
	"context"
	"sync"

	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
)

// DefaultAsyncQueueSize bounds an async sink's queue when none is
// given.
const DefaultAsyncQueueSize = 256

type asyncSender struct {
	send.Sender

	mu      sync.Mutex
	pending sync.WaitGroup
	queue   chan message.Composer
	closed  bool
	done    chan struct{}
}

// NewAsync wraps a sink so that delivery happens on a background
// worker and network latency never blocks the logging caller. The
// queue is bounded; when it is saturated the message is dropped and
// the drop reported through the wrapped sink's error handler. Flush
// drains everything queued, then flushes the wrapped sink.
func NewAsync(wrapped send.Sender, queueSize int) send.Sender {
	if queueSize <= 0 {
		queueSize = DefaultAsyncQueueSize
	}

	s := &asyncSender{
		Sender: wrapped,
		queue:  make(chan message.Composer, queueSize),
		done:   make(chan struct{}),
	}
	go s.worker()

	return s
}

func (s *asyncSender) worker() {
	defer close(s.done)
	for m := range s.queue {
		s.Sender.Send(m)
		s.pending.Done()
	}
}

func (s *asyncSender) Send(m message.Composer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.ErrorHandler()(errors.New("send on closed async sink"), m)
		return
	}

	s.pending.Add(1)
	select {
	case s.queue <- m:
	default:
		s.pending.Done()
		s.ErrorHandler()(errors.Errorf("async queue full, dropping %s message", m.Priority()), m)
	}
}

// Flush blocks until every queued message has been attempted, then
// flushes the wrapped sink. This is the drain path used by the
// engine's Complete.
func (s *asyncSender) Flush(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return s.Sender.Flush(ctx)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for async queue to drain")
	}
}

// Close drains the queue and closes the wrapped sink.
func (s *asyncSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.Sender.Close()
}
