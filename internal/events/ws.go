package events

import (
	"net/http"
	"time"
)

// ConnectionStart is emitted when a websocket connection is accepted.
// Context carries the connection id.
type ConnectionStart struct {
	Request *http.Request
}

// ConnectionFinish is emitted after the connection is torn down.
type ConnectionFinish struct {
	Request  *http.Request
	Err      error
	Duration time.Duration
}
