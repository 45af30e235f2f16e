package bolt

import (
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"meow.tf/websub-client/handler"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/store"
)

var (
	bucketName = []byte("subscriptions")
)

// New creates a new boltdb store.
// Bolt is fine for a single subscriber process; the file is locked while open.
func New(file string) (*Store, error) {
	db, err := bolt.Open(file, 0600, nil)

	if err != nil {
		return nil, errors.Wrap(err, "open bolt store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})

	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}

	return &Store{
		Handler: handler.New(),
		db:      db,
	}, nil
}

// Store represents a boltdb backed store.
type Store struct {
	*handler.Handler
	db *bolt.DB
}

// Persist stores a new subscription.
func (s *Store) Persist(sub model.Subscription) error {
	return s.Save(sub)
}

// Save writes the subscription under its ID.
func (s *Store) Save(sub model.Subscription) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		jsonB, err := json.Marshal(sub)

		if err != nil {
			return err
		}

		return tx.Bucket(bucketName).Put([]byte(sub.ID), jsonB)
	})

	if err != nil {
		return errors.Wrap(err, "save subscription")
	}

	s.Call(&store.Added{Subscription: sub.Clone()})
	return nil
}

// Get retrieves the subscription with the specified ID.
func (s *Store) Get(id string) (*model.Subscription, error) {
	var sub *model.Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(id))

		if data == nil {
			return store.ErrNotFound
		}

		return json.Unmarshal(data, &sub)
	})

	if err != nil {
		return nil, err
	}

	return sub, nil
}

// All retrieves all subscriptions.
func (s *Store) All() ([]model.Subscription, error) {
	subscriptions := make([]model.Subscription, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var sub model.Subscription

			if err := json.Unmarshal(v, &sub); err != nil {
				return errors.Wrapf(err, "decode %s", k)
			}

			subscriptions = append(subscriptions, sub)
			return nil
		})
	})

	return subscriptions, err
}

// Delete removes the subscription with the specified ID.
func (s *Store) Delete(id string) error {
	var found bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		found = b.Get([]byte(id)) != nil

		return b.Delete([]byte(id))
	})

	if err != nil {
		return errors.Wrap(err, "delete subscription")
	}

	if found {
		s.Call(&store.Removed{ID: id})
	}

	return nil
}

// Destroy closes the database. Records stay on disk.
func (s *Store) Destroy() error {
	return s.db.Close()
}
