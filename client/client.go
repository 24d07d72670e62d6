// Package client is a Go client for the graphsub gateway. It speaks the
// graphql-ws subprotocol: one connection_init handshake, then any number of
// concurrently running subscription operations.
package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	protocol "github.com/hanpama/graphsub/internal/protocol"
)

// Handler receives subscription events. payload is the raw "data" payload;
// err carries a server-side "error" message; done reports stream completion.
// After err or done the handler is not called again for the operation.
type Handler func(payload json.RawMessage, err error, done bool)

type Options struct {
	// Headers are sent with the upgrade request.
	Headers http.Header

	// AckTimeout bounds the wait for connection_ack after dialing.
	AckTimeout time.Duration

	// Reconnect enables transparent reconnection with backoff. Active
	// subscriptions are re-issued under their original ids.
	Reconnect bool

	// MaxReconnectAttempts bounds consecutive failed reconnects.
	MaxReconnectAttempts int

	// Log, when set, receives a line per frame sent and received.
	Log func(msg string)
}

type Option func(*Options)

func WithHeaders(h http.Header) Option { return func(o *Options) { o.Headers = h } }
func WithAckTimeout(d time.Duration) Option {
	return func(o *Options) { o.AckTimeout = d }
}
func WithReconnect(maxAttempts int) Option {
	return func(o *Options) {
		o.Reconnect = true
		o.MaxReconnectAttempts = maxAttempts
	}
}
func WithLog(f func(string)) Option { return func(o *Options) { o.Log = f } }

type subscription struct {
	query         string
	operationName string
	variables     map[string]any
	handler       Handler
}

// Client is a graphql-ws client connection.
type Client struct {
	endpoint string
	opt      Options

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	closed bool

	wmu sync.Mutex // serializes socket writes

	nextID int64
	bo     *backoff.Backoff
}

// Dial connects to endpoint (a ws:// or wss:// URL), performs the
// connection_init handshake, and starts the receive loop.
func Dial(endpoint string, opts ...Option) (*Client, error) {
	op := Options{AckTimeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	c := &Client{
		endpoint: endpoint,
		opt:      op,
		subs:     make(map[string]*subscription),
		bo: &backoff.Backoff{
			Factor: 1.5,
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
		},
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	dialer := websocket.Dialer{Subprotocols: []string{protocol.Subprotocol}}
	conn, resp, err := dialer.Dial(c.endpoint, c.opt.Headers)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dial %s (status %d)", c.endpoint, resp.StatusCode)
		}
		return errors.Wrapf(err, "dial %s", c.endpoint)
	}

	if err := c.write(conn, protocol.Message{Type: protocol.MsgConnectionInit}); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "send connection_init")
	}

	// The ack must be the handshake's first reply, keepalives aside.
	_ = conn.SetReadDeadline(time.Now().Add(c.opt.AckTimeout))
	for {
		var ack protocol.RawMessage
		if err := conn.ReadJSON(&ack); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "await connection_ack")
		}
		if ack.Type == protocol.MsgConnectionKeepAlive {
			continue
		}
		if ack.Type != protocol.MsgConnectionAck {
			_ = conn.Close()
			return errors.Errorf("expected connection_ack, got %q", ack.Type)
		}
		break
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	resubs := make(map[string]*subscription, len(c.subs))
	for id, sub := range c.subs {
		resubs[id] = sub
	}
	c.mu.Unlock()

	for id, sub := range resubs {
		if err := c.send(protocol.Message{
			Type: protocol.MsgStart,
			ID:   id,
			Payload: protocol.StartPayload{
				Query:         sub.query,
				OperationName: sub.operationName,
				Variables:     sub.variables,
			},
		}); err != nil {
			return errors.Wrap(err, "resubscribe")
		}
	}

	go c.readLoop(conn)
	return nil
}

// Subscribe starts a subscription operation and returns its id.
func (c *Client) Subscribe(query string, variables map[string]any, operationName string, h Handler) (string, error) {
	id := fmt.Sprint(atomic.AddInt64(&c.nextID, 1))
	sub := &subscription{query: query, operationName: operationName, variables: variables, handler: h}

	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	err := c.send(protocol.Message{
		Type: protocol.MsgStart,
		ID:   id,
		Payload: protocol.StartPayload{
			Query:         query,
			OperationName: operationName,
			Variables:     variables,
		},
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Stop cancels the single subscription registered under id.
func (c *Client) Stop(id string) error {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.send(protocol.Message{Type: protocol.MsgStop, ID: id})
}

// Close terminates the connection gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = c.write(conn, protocol.Message{Type: protocol.MsgConnectionTerminate})
	return conn.Close()
}

func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return errors.New("client closed")
	}
	return c.write(conn, msg)
}

func (c *Client) write(conn *websocket.Conn, msg protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opt.Log != nil {
		j, _ := json.Marshal(msg)
		c.opt.Log("send " + string(j))
	}
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.reconnect(conn)
			return
		}
		if c.opt.Log != nil {
			j, _ := json.Marshal(msg)
			c.opt.Log("recv " + string(j))
		}
		switch msg.Type {
		case protocol.MsgConnectionKeepAlive:
			// Liveness only.
		case protocol.MsgData:
			c.mu.Lock()
			sub := c.subs[msg.ID]
			c.mu.Unlock()
			if sub != nil {
				sub.handler(msg.Payload, nil, false)
			}
		case protocol.MsgError:
			c.mu.Lock()
			sub := c.subs[msg.ID]
			delete(c.subs, msg.ID)
			c.mu.Unlock()
			if sub != nil {
				sub.handler(nil, errors.New(errorText(msg.Payload)), false)
			}
		case protocol.MsgComplete:
			c.mu.Lock()
			sub := c.subs[msg.ID]
			delete(c.subs, msg.ID)
			c.mu.Unlock()
			if sub != nil {
				sub.handler(nil, nil, true)
			}
		}
	}
}

func (c *Client) reconnect(old *websocket.Conn) {
	_ = old.Close()

	c.mu.Lock()
	stale := c.closed || c.conn != old
	c.mu.Unlock()
	if stale || !c.opt.Reconnect {
		return
	}

	c.bo.Reset()
	for {
		if c.opt.MaxReconnectAttempts > 0 && c.bo.Attempt() >= float64(c.opt.MaxReconnectAttempts) {
			return
		}
		time.Sleep(c.bo.Duration())

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.connect(); err == nil {
			return
		}
	}
}

// errorText renders an "error" payload, which is either a bare string or a
// structured syntax-error object.
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var se protocol.SyntaxErrorPayload
	if err := json.Unmarshal(raw, &se); err == nil && se.SyntaxError != "" {
		return se.SyntaxError
	}
	return string(raw)
}
