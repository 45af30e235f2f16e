package websub

import (
	"encoding/json"
	"time"

	"meow.tf/websub-client/model"
	"meow.tf/websub-client/topic"
)

// Subscribed is an event called when the hub verifies a subscription.
type Subscribed struct {
	Subscription model.Subscription
}

// Denied is an event called when the hub denies a subscription.
// The subscription record has already been removed.
type Denied struct {
	ID     string
	Topic  string
	Reason string
}

// Unsubscribed is an event called when the hub verifies an unsubscribe.
type Unsubscribed struct {
	ID    string
	Topic string
}

// Message is an event called for each authenticated notification.
type Message struct {
	ID        string
	Type      topic.Type
	Topic     string
	Hub       string
	MessageID string
	Timestamp time.Time
	Body      []byte
	Data      []json.RawMessage
}

// Error is an event called for failures that have no synchronous caller,
// such as malformed callbacks or failed renewals.
type Error struct {
	EventID string
	ID      string
	Err     error
}
