package engine

import (
	"context"
	"fmt"
	"sync"

	language "github.com/hanpama/graphsub/internal/language"
)

// MockStream is a test-controlled Stream. Tests pace emission explicitly, so
// ordering assertions stay deterministic.
type MockStream struct {
	ch  chan *Result
	mu  sync.Mutex
	err error
}

// NewMockStream creates an open MockStream.
func NewMockStream() *MockStream {
	return &MockStream{ch: make(chan *Result)}
}

// Emit blocks until the consumer takes r.
func (s *MockStream) Emit(r *Result) { s.ch <- r }

// EmitData emits a result carrying only data.
func (s *MockStream) EmitData(data any) { s.Emit(&Result{Data: data}) }

// End closes the stream, signalling natural completion.
func (s *MockStream) End() { close(s.ch) }

// Fail closes the stream with a terminal error.
func (s *MockStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func (s *MockStream) C() <-chan *Result { return s.ch }

func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SubscribeCall records one Subscribe invocation.
type SubscribeCall struct {
	RootField     string
	OperationName string
	Variables     map[string]any
}

// MockEngine implements Engine with a registry of streams keyed by the
// operation's root field name, plus a call log.
type MockEngine struct {
	mu      sync.Mutex
	streams map[string]Stream
	calls   []SubscribeCall

	// SubscribeErr, when set, makes every Subscribe fail with it.
	SubscribeErr error
}

// NewMockEngine creates an empty MockEngine.
func NewMockEngine() *MockEngine {
	return &MockEngine{streams: make(map[string]Stream)}
}

// SetStream registers the stream handed out for subscriptions whose root
// field is named field.
func (e *MockEngine) SetStream(field string, s Stream) {
	e.mu.Lock()
	e.streams[field] = s
	e.mu.Unlock()
}

// Calls returns a copy of the recorded Subscribe invocations.
func (e *MockEngine) Calls() []SubscribeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SubscribeCall(nil), e.calls...)
}

func (e *MockEngine) Subscribe(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variables map[string]any,
	root any,
) (Stream, error) {
	op := language.ResolveOperation(document, operationName)
	if op == nil {
		return nil, fmt.Errorf("operation not found")
	}
	field := language.RootField(op)

	e.mu.Lock()
	e.calls = append(e.calls, SubscribeCall{RootField: field, OperationName: operationName, Variables: variables})
	if e.SubscribeErr != nil {
		err := e.SubscribeErr
		e.mu.Unlock()
		return nil, err
	}
	s, ok := e.streams[field]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no stream registered for field %q", field)
	}
	return s, nil
}
