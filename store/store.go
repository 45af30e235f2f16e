package store

import (
	"errors"

	"meow.tf/websub-client/model"
)

var (
	ErrNotFound = errors.New("subscription not found")
)

// Store defines an interface for stores to implement for subscription storage.
// Every method is safe to retry.
type Store interface {
	// Persist stores a new subscription.
	Persist(sub model.Subscription) error

	// Save overwrites the subscription with the same ID, creating it if needed.
	Save(sub model.Subscription) error

	// Get retrieves a subscription by ID, or ErrNotFound.
	Get(id string) (*model.Subscription, error)

	// All returns every stored subscription, in no particular order.
	All() ([]model.Subscription, error)

	// Delete removes a subscription. Deleting a missing ID is not an error.
	Delete(id string) error

	// Destroy releases the resources held by the store.
	Destroy() error
}
