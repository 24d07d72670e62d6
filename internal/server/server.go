package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/metadata"

	connid "github.com/hanpama/graphsub/internal/connid"
	engine "github.com/hanpama/graphsub/internal/engine"
	eventbus "github.com/hanpama/graphsub/internal/eventbus"
	events "github.com/hanpama/graphsub/internal/events"
	language "github.com/hanpama/graphsub/internal/language"
	protocol "github.com/hanpama/graphsub/internal/protocol"
	sink "github.com/hanpama/graphsub/internal/sink"
)

// Handler is an http.Handler that upgrades requests to the graphql-ws
// subprotocol and serves subscription operations over the resulting
// connection. Queries and mutations are declared unsupported on this channel.
type Handler struct {
	engine   engine.Engine
	factory  engine.ContextFactory
	upgrader websocket.Upgrader
	opt      Options
}

type Options struct {
	// KeepAlive sets the interval between server "ka" messages.
	// 0 disables keepalive.
	KeepAlive time.Duration

	// MetadataHeaders lists upgrade-request HTTP headers to forward into
	// gRPC metadata on each operation's context. Case-insensitive. Default
	// is none.
	MetadataHeaders []string

	// CheckOrigin overrides the upgrader's origin policy. Nil keeps the
	// same-origin default.
	CheckOrigin func(*http.Request) bool
}

type Option func(*Options)

func WithKeepAlive(d time.Duration) Option { return func(o *Options) { o.KeepAlive = d } }
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithCheckOrigin(f func(*http.Request) bool) Option {
	return func(o *Options) { o.CheckOrigin = f }
}

// New creates a websocket subscription handler backed by the given engine.
// The factory builds per-operation execution contexts; nil means the
// operation context is used as-is.
func New(eng engine.Engine, factory engine.ContextFactory, opts ...Option) *Handler {
	op := Options{}
	for _, f := range opts {
		f(&op)
	}
	if factory == nil {
		factory = engine.ContextFactoryFunc(func(ctx context.Context) (context.Context, error) {
			return ctx, nil
		})
	}
	return &Handler{
		engine:  eng,
		factory: factory,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{protocol.Subprotocol},
			CheckOrigin:  op.CheckOrigin,
		},
		opt: op,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}

	ctx, cid := connid.NewContext(r.Context())
	ctx = metadata.NewOutgoingContext(ctx, h.connectionMetadata(r, cid))
	ctx, cancel := context.WithCancel(ctx)

	c := &conn{
		h:      h,
		ws:     ws,
		snk:    sink.New(),
		ctx:    ctx,
		cancel: cancel,
		ops:    make(map[string]context.CancelFunc),
	}

	start := time.Now()
	eventbus.Publish(ctx, events.ConnectionStart{Request: r})

	go c.writeLoop()
	rerr := c.readLoop()
	c.teardown()

	eventbus.Publish(ctx, events.ConnectionFinish{Request: r, Err: rerr, Duration: time.Since(start)})
}

// connectionMetadata maps configured upgrade-request headers into gRPC
// metadata, plus the connection id.
func (h *Handler) connectionMetadata(r *http.Request, cid int64) metadata.MD {
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["graphsub-connection-id"] = []string{strconv.FormatInt(cid, 10)}
	return md
}

// errTerminate ends the read loop without a transport failure.
var errTerminate = fmt.Errorf("client terminated connection")

// conn holds per-connection state: the outbound sink, the connection-wide
// cancellation scope, and one cancel handle per active operation id.
type conn struct {
	h      *Handler
	ws     *websocket.Conn
	snk    *sink.Sink
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	ops map[string]context.CancelFunc

	closeOnce sync.Once
}

// teardown cancels the connection scope, then closes the sink, then the
// socket. The order is part of the lifecycle contract: streams must observe
// cancellation before the sink refuses writes.
func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.snk.Close()
		_ = c.ws.Close()
	})
}

// writeLoop is the sink's single consumer. It serializes every outbound
// message to the socket in hand-off order and owns the keepalive ticker, so
// all socket writes happen on one goroutine.
func (c *conn) writeLoop() {
	var ka <-chan time.Time
	if c.h.opt.KeepAlive > 0 {
		t := time.NewTicker(c.h.opt.KeepAlive)
		defer t.Stop()
		ka = t.C
	}
	for {
		select {
		case msg := <-c.snk.C():
			if err := c.ws.WriteJSON(msg); err != nil {
				c.teardown()
				return
			}
		case <-ka:
			if err := c.ws.WriteJSON(protocol.KeepAlive()); err != nil {
				c.teardown()
				return
			}
		case <-c.snk.Done():
			return
		}
	}
}

// readLoop decodes and dispatches inbound frames one at a time, preserving
// inbound order. A "start" is handled inline before the next frame is read.
func (c *conn) readLoop() error {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.handleFrame(frame); err != nil {
			if err == errTerminate {
				return nil
			}
			return err
		}
	}
}

// offer hands msg to the outbound sink. Failure is connection-fatal: the sink
// has no buffer and no retry, so an unaccepted message tears the connection
// down.
func (c *conn) offer(msg protocol.Message) error {
	if err := c.snk.Offer(msg); err != nil {
		c.teardown()
		return err
	}
	return nil
}

// handleFrame dispatches one inbound frame. The returned error is
// connection-fatal; recoverable failures become protocol "error" replies.
func (c *conn) handleFrame(frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return c.offer(protocol.Error("", err.Error()))
	}

	switch msg.Type {
	case protocol.MsgConnectionInit:
		return c.offer(protocol.Ack())
	case protocol.MsgStart:
		return c.handleStart(msg)
	case protocol.MsgStop:
		c.stopOperation(msg.ID)
		return c.offer(protocol.Complete(msg.ID))
	case protocol.MsgConnectionTerminate:
		return errTerminate
	default:
		return c.offer(protocol.Error(msg.ID, fmt.Sprintf("Unrecognized message type: %q", msg.Type)))
	}
}

const internalErrorMessage = "Internal server error"

// handleStart parses the operation, resolves its declared type, and starts
// the subscription stream. Every failure mode maps to a protocol error reply
// scoped to the operation id; only a sink overflow is fatal.
func (c *conn) handleStart(msg *protocol.RawMessage) error {
	p, err := protocol.DecodeStartPayload(msg.Payload)
	if err != nil {
		return c.offer(protocol.Error(msg.ID, err.Error()))
	}

	doc, err := language.ParseQuery(p.Query)
	if err != nil {
		ge := language.AsError(err)
		payload := protocol.SyntaxErrorPayload{SyntaxError: ge.Message}
		for _, loc := range ge.Locations {
			payload.Locations = append(payload.Locations, protocol.Location{Line: loc.Line, Column: loc.Column})
		}
		return c.offer(protocol.SyntaxError(msg.ID, payload))
	}

	op := language.ResolveOperation(doc, p.OperationName)
	if op == nil {
		return c.offer(protocol.Error(msg.ID, internalErrorMessage))
	}
	if op.Operation != language.Subscription {
		return c.offer(protocol.Error(msg.ID, fmt.Sprintf("Unsupported type: %s", op.Operation)))
	}

	opCtx, cancelOp := context.WithCancel(c.ctx)

	reqCtx, err := c.h.factory.NewRequestContext(opCtx)
	if err != nil {
		cancelOp()
		return c.offer(protocol.Error(msg.ID, internalErrorMessage))
	}

	stream, err := c.h.engine.Subscribe(reqCtx, doc, p.OperationName, p.Variables, nil)
	if err != nil {
		cancelOp()
		return c.offer(protocol.Error(msg.ID, internalErrorMessage))
	}

	// Operation ids are not deduplicated: a second start with the same id
	// replaces the stop handle, while the earlier stream stays bound to the
	// connection scope.
	c.mu.Lock()
	c.ops[msg.ID] = cancelOp
	c.mu.Unlock()

	eventbus.Publish(c.ctx, events.SubscriptionStart{
		OperationID:   msg.ID,
		OperationName: p.OperationName,
		Query:         p.Query,
	})

	go c.pump(msg.ID, p.OperationName, opCtx, cancelOp, stream)
	return nil
}

// stopOperation cancels the single operation registered under id, leaving all
// others running. Unknown ids are ignored.
func (c *conn) stopOperation(id string) {
	c.mu.Lock()
	cancel, ok := c.ops[id]
	if ok {
		delete(c.ops, id)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *conn) removeOperation(id string) {
	c.mu.Lock()
	delete(c.ops, id)
	c.mu.Unlock()
}

// pump adapts the engine's result stream into outbound "data" messages, one
// per emitted value, strictly in emission order. It stops promptly once the
// operation's context is cancelled, and translates stream termination into
// the terminal protocol message: "complete" on natural end, "error" on
// mid-stream failure.
func (c *conn) pump(id, operationName string, ctx context.Context, cancel context.CancelFunc, stream engine.Stream) {
	defer cancel()
	defer c.removeOperation(id)

	start := time.Now()
	sent := 0
	var serr error
	defer func() {
		eventbus.Publish(c.ctx, events.SubscriptionFinish{
			OperationID:   id,
			OperationName: operationName,
			Sent:          sent,
			Err:           serr,
			Duration:      time.Since(start),
		})
	}()

	for {
		// Cancellation wins over an already-produced value.
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case res, ok := <-stream.C():
			if !ok {
				if serr = stream.Err(); serr != nil {
					_ = c.offer(protocol.Error(id, internalErrorMessage))
					return
				}
				_ = c.offer(protocol.Complete(id))
				return
			}
			if err := c.offer(protocol.Data(id, res)); err != nil {
				serr = err
				return
			}
			sent++
		}
	}
}
