package pubsub

import (
	"context"
	"fmt"
	"sync"

	engine "github.com/hanpama/graphsub/internal/engine"
	language "github.com/hanpama/graphsub/internal/language"
)

// Engine is an in-process, topic-based implementation of engine.Engine.
// A subscription's root field names the topic it listens on; every payload
// published to that topic fans out to all listening streams as one execution
// result shaped {<field>: <payload>}.
type Engine struct {
	mu     sync.Mutex
	topics map[string]map[int64]*stream
	nextID int64
	buffer int
}

type EngineOption func(*Engine)

// WithBuffer sets the per-subscriber buffer. A subscriber whose buffer is
// full misses the published value; delivery is best-effort by design.
func WithBuffer(n int) EngineOption { return func(e *Engine) { e.buffer = n } }

// New creates an Engine with no topics.
func New(opts ...EngineOption) *Engine {
	e := &Engine{topics: make(map[string]map[int64]*stream), buffer: 16}
	for _, f := range opts {
		f(e)
	}
	return e
}

func (e *Engine) Subscribe(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variables map[string]any,
	root any,
) (engine.Stream, error) {
	op := language.ResolveOperation(document, operationName)
	if op == nil {
		return nil, fmt.Errorf("operation not found")
	}
	field := language.RootField(op)
	if field == "" {
		return nil, fmt.Errorf("subscription selects no field")
	}

	st := &stream{field: field, ch: make(chan *engine.Result, e.buffer)}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	subs := e.topics[field]
	if subs == nil {
		subs = make(map[int64]*stream)
		e.topics[field] = subs
	}
	subs[id] = st
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(field, id)
		st.close()
	}()

	return st, nil
}

// Publish fans payload out to every stream subscribed to topic and reports
// how many accepted it.
func (e *Engine) Publish(topic string, payload any) int {
	e.mu.Lock()
	streams := make([]*stream, 0, len(e.topics[topic]))
	for _, st := range e.topics[topic] {
		streams = append(streams, st)
	}
	e.mu.Unlock()

	n := 0
	for _, st := range streams {
		if st.offer(&engine.Result{Data: map[string]any{topic: payload}}) {
			n++
		}
	}
	return n
}

func (e *Engine) remove(topic string, id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.topics[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(e.topics, topic)
	}
}

type stream struct {
	field string
	ch    chan *engine.Result

	mu     sync.Mutex
	closed bool
}

func (s *stream) C() <-chan *engine.Result { return s.ch }

func (s *stream) Err() error { return nil }

func (s *stream) offer(r *engine.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
