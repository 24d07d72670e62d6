package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	engine "github.com/hanpama/graphsub/internal/engine"
	protocol "github.com/hanpama/graphsub/internal/protocol"
)

func newTestServer(t *testing.T, eng engine.Engine, factory engine.ContextFactory, opts ...Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(eng, factory, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{protocol.Subprotocol}}
	ws, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func sendRaw(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readMsg(t *testing.T, ws *websocket.Conn) protocol.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.RawMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// requireSilent asserts that no frame arrives within d.
func requireSilent(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(d)))
	var msg protocol.RawMessage
	err := ws.ReadJSON(&msg)
	require.Error(t, err, "expected silence, got %+v", msg)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout())
}

func start(t *testing.T, ws *websocket.Conn, id, query string) {
	t.Helper()
	sendJSON(t, ws, protocol.Message{
		Type:    protocol.MsgStart,
		ID:      id,
		Payload: protocol.StartPayload{Query: query},
	})
}

func errorText(t *testing.T, msg protocol.RawMessage) string {
	t.Helper()
	require.Equal(t, protocol.MsgError, msg.Type)
	var s string
	require.NoError(t, json.Unmarshal(msg.Payload, &s))
	return s
}

func TestConnectionInitAck(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil)
	ws := dialWS(t, srv)

	sendJSON(t, ws, protocol.Message{Type: protocol.MsgConnectionInit})
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"connection_ack"}`, string(frame))
}

func TestSyntaxError(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil)
	ws := dialWS(t, srv)

	sendRaw(t, ws, `{"type":"start","id":"1","payload":{"query":"invalid{"}}`)
	msg := readMsg(t, ws)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, "1", msg.ID)

	var payload protocol.SyntaxErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.NotEmpty(t, payload.SyntaxError)
	require.Len(t, payload.Locations, 1)
	require.GreaterOrEqual(t, payload.Locations[0].Line, 1)
	require.GreaterOrEqual(t, payload.Locations[0].Column, 1)
}

func TestUnsupportedOperationType(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil)
	ws := dialWS(t, srv)

	sendRaw(t, ws, `{"type":"start","id":"2","payload":{"query":"query { field }"}}`)
	msg := readMsg(t, ws)
	require.Equal(t, "2", msg.ID)
	require.Contains(t, errorText(t, msg), "Unsupported type")

	start(t, ws, "3", `mutation { doIt }`)
	msg = readMsg(t, ws)
	require.Equal(t, "3", msg.ID)
	require.Contains(t, errorText(t, msg), "Unsupported type")
}

func TestSubscriptionDataOrdering(t *testing.T) {
	eng := engine.NewMockEngine()
	stream := engine.NewMockStream()
	eng.SetStream("events", stream)
	srv := newTestServer(t, eng, nil)
	ws := dialWS(t, srv)

	start(t, ws, "sub1", `subscription { events }`)

	// Pace emission: each value is read back before the next is produced, so
	// the order assertion is deterministic.
	for i := 0; i < 3; i++ {
		stream.EmitData(map[string]any{"seq": i})
		msg := readMsg(t, ws)
		require.Equal(t, protocol.MsgData, msg.Type)
		require.Equal(t, "sub1", msg.ID)
		var res struct {
			Data struct {
				Seq int `json:"seq"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &res))
		require.Equal(t, i, res.Data.Seq)
	}

	stream.End()
	msg := readMsg(t, ws)
	require.Equal(t, protocol.MsgComplete, msg.Type)
	require.Equal(t, "sub1", msg.ID)
}

func TestStreamFailure(t *testing.T) {
	eng := engine.NewMockEngine()
	stream := engine.NewMockStream()
	eng.SetStream("events", stream)
	srv := newTestServer(t, eng, nil)
	ws := dialWS(t, srv)

	start(t, ws, "sub1", `subscription { events }`)
	stream.EmitData("ok")
	require.Equal(t, protocol.MsgData, readMsg(t, ws).Type)

	stream.Fail(fmt.Errorf("backend exploded: credentials leaked"))
	msg := readMsg(t, ws)
	require.Equal(t, "sub1", msg.ID)
	// Internal detail must not reach the client.
	text := errorText(t, msg)
	require.Equal(t, "Internal server error", text)
}

func TestStopCancelsSingleOperation(t *testing.T) {
	eng := engine.NewMockEngine()
	sa := engine.NewMockStream()
	sb := engine.NewMockStream()
	eng.SetStream("a", sa)
	eng.SetStream("b", sb)
	srv := newTestServer(t, eng, nil)
	ws := dialWS(t, srv)

	start(t, ws, "opA", `subscription { a }`)
	start(t, ws, "opB", `subscription { b }`)

	sa.EmitData(1)
	require.Equal(t, "opA", readMsg(t, ws).ID)
	sb.EmitData(1)
	require.Equal(t, "opB", readMsg(t, ws).ID)

	sendJSON(t, ws, protocol.Message{Type: protocol.MsgStop, ID: "opA"})
	msg := readMsg(t, ws)
	require.Equal(t, protocol.MsgComplete, msg.Type)
	require.Equal(t, "opA", msg.ID)

	// The sibling operation keeps streaming.
	sb.EmitData(2)
	msg = readMsg(t, ws)
	require.Equal(t, protocol.MsgData, msg.Type)
	require.Equal(t, "opB", msg.ID)

	// The stopped stream's consumer is gone; values offered to it are never
	// delivered.
	go sa.EmitData(99)
	requireSilent(t, ws, 150*time.Millisecond)
}

// capturingFactory records the contexts handed to the engine so tests can
// observe cancellation.
type capturingFactory struct {
	mu   sync.Mutex
	ctxs []context.Context
}

func (f *capturingFactory) NewRequestContext(ctx context.Context) (context.Context, error) {
	f.mu.Lock()
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()
	return ctx, nil
}

func (f *capturingFactory) last(t *testing.T) context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.ctxs)
	return f.ctxs[len(f.ctxs)-1]
}

func requireCancelled(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("context not cancelled")
	}
}

func TestTeardownCancelsAllOperations(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.SetStream("a", engine.NewMockStream())
	eng.SetStream("b", engine.NewMockStream())
	factory := &capturingFactory{}
	srv := newTestServer(t, eng, factory)
	ws := dialWS(t, srv)

	start(t, ws, "opA", `subscription { a }`)
	start(t, ws, "opB", `subscription { b }`)

	// Both operations must be running before the teardown.
	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.ctxs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())

	factory.mu.Lock()
	ctxs := append([]context.Context(nil), factory.ctxs...)
	factory.mu.Unlock()
	for _, ctx := range ctxs {
		requireCancelled(t, ctx)
	}
}

func TestConnectionTerminate(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.SetStream("a", engine.NewMockStream())
	factory := &capturingFactory{}
	srv := newTestServer(t, eng, factory)
	ws := dialWS(t, srv)

	start(t, ws, "opA", `subscription { a }`)
	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.ctxs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendJSON(t, ws, protocol.Message{Type: protocol.MsgConnectionTerminate})
	requireCancelled(t, factory.last(t))

	// The server closes the socket; the next read fails without a frame.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil)
	ws := dialWS(t, srv)

	sendRaw(t, ws, `{not json`)
	msg := readMsg(t, ws)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Empty(t, msg.ID)

	sendRaw(t, ws, `{"id":"1"}`)
	msg = readMsg(t, ws)
	require.Equal(t, protocol.MsgError, msg.Type)

	// The connection stays usable.
	sendJSON(t, ws, protocol.Message{Type: protocol.MsgConnectionInit})
	require.Equal(t, protocol.MsgConnectionAck, readMsg(t, ws).Type)
}

func TestUnrecognizedMessageType(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil)
	ws := dialWS(t, srv)

	sendRaw(t, ws, `{"type":"bogus","id":"7"}`)
	msg := readMsg(t, ws)
	require.Equal(t, "7", msg.ID)
	require.Contains(t, errorText(t, msg), "Unrecognized message type")
}

func TestStartWithoutQuery(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil)
	ws := dialWS(t, srv)

	sendRaw(t, ws, `{"type":"start","id":"1","payload":{}}`)
	msg := readMsg(t, ws)
	require.Equal(t, "1", msg.ID)
	require.Contains(t, errorText(t, msg), "query")

	sendRaw(t, ws, `{"type":"start","id":"2"}`)
	msg = readMsg(t, ws)
	require.Equal(t, "2", msg.ID)
	require.Contains(t, errorText(t, msg), "payload")
}

func TestContextFactoryFailure(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.SetStream("a", engine.NewMockStream())
	factory := engine.ContextFactoryFunc(func(ctx context.Context) (context.Context, error) {
		return nil, fmt.Errorf("no tenant configured")
	})
	srv := newTestServer(t, eng, factory)
	ws := dialWS(t, srv)

	start(t, ws, "1", `subscription { a }`)
	msg := readMsg(t, ws)
	require.Equal(t, "1", msg.ID)
	require.Equal(t, "Internal server error", errorText(t, msg))
}

func TestEngineFailure(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.SubscribeErr = fmt.Errorf("backend down")
	srv := newTestServer(t, eng, nil)
	ws := dialWS(t, srv)

	start(t, ws, "1", `subscription { a }`)
	msg := readMsg(t, ws)
	require.Equal(t, "1", msg.ID)
	require.Equal(t, "Internal server error", errorText(t, msg))
}

func TestMetadataForwarding(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.SetStream("a", engine.NewMockStream())

	var captured metadata.MD
	var mu sync.Mutex
	factory := engine.ContextFactoryFunc(func(ctx context.Context) (context.Context, error) {
		mu.Lock()
		captured, _ = metadata.FromOutgoingContext(ctx)
		mu.Unlock()
		return ctx, nil
	})
	srv := newTestServer(t, eng, factory, WithMetadataHeaders("X-Test"))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{protocol.Subprotocol}}
	ws, _, err := dialer.Dial(url, http.Header{"X-Test": {"abc"}, "X-Other": {"nope"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	start(t, ws, "1", `subscription { a }`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return captured != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"abc"}, captured.Get("x-test"))
	require.Empty(t, captured.Get("x-other"))
	require.NotEmpty(t, captured.Get("graphsub-connection-id"))
}

func TestKeepAlive(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil, WithKeepAlive(20*time.Millisecond))
	ws := dialWS(t, srv)

	msg := readMsg(t, ws)
	require.Equal(t, protocol.MsgConnectionKeepAlive, msg.Type)
}
