package memory

import (
	"sync"

	"meow.tf/websub-client/handler"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/store"
)

// New creates a new memory store.
func New() *Store {
	return &Store{
		Handler:       handler.New(),
		subscriptions: make(map[string]model.Subscription),
	}
}

// Store represents a memory backed store.
// Records are copied in and out so callers cannot mutate stored state.
type Store struct {
	*handler.Handler
	mu            sync.RWMutex
	subscriptions map[string]model.Subscription
}

// Persist stores a new subscription.
func (s *Store) Persist(sub model.Subscription) error {
	return s.Save(sub)
}

// Save overwrites the subscription with the same ID.
func (s *Store) Save(sub model.Subscription) error {
	s.mu.Lock()
	s.subscriptions[sub.ID] = sub.Clone()
	s.mu.Unlock()

	s.Call(&store.Added{Subscription: sub.Clone()})
	return nil
}

// Get retrieves a copy of the subscription with the specified ID.
func (s *Store) Get(id string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]

	if !ok {
		return nil, store.ErrNotFound
	}

	c := sub.Clone()

	return &c, nil
}

// All returns copies of all subscriptions.
func (s *Store) All() ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]model.Subscription, 0, len(s.subscriptions))

	for _, sub := range s.subscriptions {
		ret = append(ret, sub.Clone())
	}

	return ret, nil
}

// Delete removes the subscription with the specified ID.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, found := s.subscriptions[id]
	delete(s.subscriptions, id)
	s.mu.Unlock()

	if found {
		s.Call(&store.Removed{ID: id})
	}

	return nil
}

// Destroy drops every subscription. Memory persistence ends with the process anyway.
func (s *Store) Destroy() error {
	s.mu.Lock()
	s.subscriptions = make(map[string]model.Subscription)
	s.mu.Unlock()

	return nil
}
