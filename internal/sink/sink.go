package sink

import (
	"errors"
	"sync"

	protocol "github.com/hanpama/graphsub/internal/protocol"
)

// ErrOverflow is returned by Offer when no consumer is ready to accept the
// message at the moment of the call. The sink has no buffer; the caller
// decides what an unaccepted message means (for the connection handler it is
// fatal).
var ErrOverflow = errors.New("sink: consumer not ready")

// ErrClosed is returned by Offer after Close.
var ErrClosed = errors.New("sink: closed")

// Sink is the per-connection outbound delivery channel. Capacity is zero:
// Offer hands the message directly to a consumer blocked in a receive, or
// fails immediately. Safe for concurrent producers; one logical consumer.
type Sink struct {
	ch        chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an open Sink.
func New() *Sink {
	return &Sink{
		ch:   make(chan protocol.Message),
		done: make(chan struct{}),
	}
}

// Offer attempts a non-blocking hand-off of msg to the consumer.
func (s *Sink) Offer(msg protocol.Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrOverflow
	}
}

// C returns the consumer side. It never yields messages after Done is closed.
func (s *Sink) C() <-chan protocol.Message { return s.ch }

// Done is closed when the sink is closed.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Close signals that no further messages will be sent. Idempotent.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
