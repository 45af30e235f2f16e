package store

import "meow.tf/websub-client/model"

// Added represents an event when a subscription is added to or updated in the store.
type Added struct {
	Subscription model.Subscription
}

// Removed represents an event when a subscription is removed from the store.
type Removed struct {
	ID string
}
