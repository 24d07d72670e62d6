package engine

import (
	"context"

	language "github.com/hanpama/graphsub/internal/language"
)

// Result is one value emitted by a subscription's result stream, shaped per
// the GraphQL response spec. It is sent to the client verbatim as the payload
// of a "data" message.
type Result struct {
	Data   any               `json:"data"`
	Errors []*language.Error `json:"errors,omitempty"`
}

// Stream is a lazy, potentially infinite, non-restartable sequence of
// execution results.
//
// General contract
//   - C yields results strictly in emission order and is closed when the
//     stream ends, whether naturally, by failure, or because the context
//     passed to Subscribe was cancelled.
//   - Err is meaningful only after C is closed. A nil Err means the stream
//     completed naturally (or was cancelled); non-nil means it failed
//     mid-flight.
//   - A Stream is consumed by exactly one reader and cannot be restarted.
type Stream interface {
	C() <-chan *Result
	Err() error
}

// Engine is the execution collaborator. It runs a parsed subscription
// operation in streaming mode and hands back the stream of results.
//
// Implementations must honor ctx: when it is cancelled, the stream must end
// promptly and release any resources held on behalf of the subscription.
// Subscribe itself may fail (unknown root field, backend unavailable); such
// failures surface to the client as generic internal errors without detail.
type Engine interface {
	Subscribe(
		ctx context.Context,
		document *language.QueryDocument,
		operationName string,
		variables map[string]any,
		root any,
	) (Stream, error)
}

// ContextFactory builds the per-request execution context handed to the
// Engine. Its internals are opaque to the connection handler; a failure here
// is treated as an internal execution failure.
type ContextFactory interface {
	NewRequestContext(ctx context.Context) (context.Context, error)
}

// ContextFactoryFunc adapts a function to the ContextFactory interface.
type ContextFactoryFunc func(ctx context.Context) (context.Context, error)

func (f ContextFactoryFunc) NewRequestContext(ctx context.Context) (context.Context, error) {
	return f(ctx)
}
