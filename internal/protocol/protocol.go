package protocol

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is the websocket subprotocol identifier announced during the
// upgrade handshake.
const Subprotocol = "graphql-ws"

// Message type literals of the graphql-ws subprotocol.
const (
	// Client -> Server
	MsgConnectionInit      = "connection_init"
	MsgConnectionTerminate = "connection_terminate"
	MsgStart               = "start"
	MsgStop                = "stop"

	// Server -> Client
	MsgConnectionAck       = "connection_ack"
	MsgConnectionKeepAlive = "ka"
	MsgData                = "data"
	MsgError               = "error"
	MsgComplete            = "complete"
)

// Message is the wire envelope. One JSON object per transport frame, for both
// directions.
type Message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// RawMessage is the inbound counterpart of Message. The payload is kept raw so
// that each message type can decode it against its own shape.
type RawMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw transport frame into a RawMessage. Decoding is fallible
// by contract: a malformed frame is reported to the caller, never allowed to
// take the connection down.
func Decode(frame []byte) (*RawMessage, error) {
	var msg RawMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing 'type'")
	}
	return &msg, nil
}

// StartPayload is the payload of a "start" message.
type StartPayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// DecodeStartPayload validates and decodes the payload of a "start" message.
// Variables default to an empty object when absent.
func DecodeStartPayload(raw json.RawMessage) (*StartPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing payload")
	}
	var p StartPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Query == "" {
		return nil, fmt.Errorf("missing 'query'")
	}
	if p.Variables == nil {
		p.Variables = map[string]any{}
	}
	return &p, nil
}

// Location is a line/column position inside a query document, 1-based.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// SyntaxErrorPayload is the structured "error" payload for queries that fail
// to parse. Unlike internal failures, it discloses the parser's position and
// message for developer feedback.
type SyntaxErrorPayload struct {
	SyntaxError string     `json:"syntaxError"`
	Locations   []Location `json:"locations"`
}

// Ack returns the reply to "connection_init".
func Ack() Message { return Message{Type: MsgConnectionAck} }

// KeepAlive returns a server keepalive message.
func KeepAlive() Message { return Message{Type: MsgConnectionKeepAlive} }

// Data returns a "data" message carrying one execution result for id.
func Data(id string, payload any) Message {
	return Message{Type: MsgData, ID: id, Payload: payload}
}

// Error returns an "error" message with a bare string payload.
func Error(id, message string) Message {
	return Message{Type: MsgError, ID: id, Payload: message}
}

// SyntaxError returns an "error" message with a structured syntax-error
// payload.
func SyntaxError(id string, payload SyntaxErrorPayload) Message {
	return Message{Type: MsgError, ID: id, Payload: payload}
}

// Complete returns a "complete" message signalling the natural end of the
// operation's result stream.
func Complete(id string) Message {
	return Message{Type: MsgComplete, ID: id}
}
