package events

import "time"

// SubscriptionStart is emitted when a "start" operation resolves to a
// subscription and the engine accepts it.
type SubscriptionStart struct {
	OperationID   string
	OperationName string
	Query         string
}

// SubscriptionFinish is emitted when a subscription's result stream ends.
type SubscriptionFinish struct {
	OperationID   string
	OperationName string
	Sent          int
	Err           error
	Duration      time.Duration
}
