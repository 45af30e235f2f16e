package database

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"meow.tf/websub-client/handler"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/store"
)

const schema = `CREATE TABLE IF NOT EXISTS websub_subscriptions (
	id TEXT PRIMARY KEY,
	topic_type TEXT NOT NULL,
	topic TEXT NOT NULL,
	secret TEXT NOT NULL,
	lease_seconds INTEGER NOT NULL,
	subscribed BOOLEAN NOT NULL DEFAULT FALSE,
	subscription_start TIMESTAMPTZ NULL,
	subscription_end TIMESTAMPTZ NULL
)`

const columns = "id, topic_type, topic, secret, lease_seconds, subscribed, subscription_start, subscription_end"

// New creates a new database store on a PostgreSQL connection.
// The caller owns db; Destroy closes it.
func New(db *sql.DB) *Store {
	return &Store{
		Handler: handler.New(),
		db:      db,
	}
}

// Store represents a database backed store.
type Store struct {
	*handler.Handler
	db *sql.DB
}

// Migrate creates the subscriptions table if it does not exist.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schema)

	return errors.Wrap(err, "migrate")
}

// Persist inserts a new subscription.
func (s *Store) Persist(sub model.Subscription) error {
	_, err := s.db.Exec("INSERT INTO websub_subscriptions ("+columns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING",
		sub.ID, sub.TopicType, sub.Topic, sub.Secret, sub.LeaseSeconds, sub.Subscribed, nullTime(sub.Start), nullTime(sub.End))

	if err != nil {
		return errors.Wrap(err, "persist subscription")
	}

	s.Call(&store.Added{Subscription: sub.Clone()})
	return nil
}

// Save upserts the subscription by ID.
func (s *Store) Save(sub model.Subscription) error {
	_, err := s.db.Exec("INSERT INTO websub_subscriptions ("+columns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
		"ON CONFLICT (id) DO UPDATE SET topic_type = EXCLUDED.topic_type, topic = EXCLUDED.topic, secret = EXCLUDED.secret, "+
		"lease_seconds = EXCLUDED.lease_seconds, subscribed = EXCLUDED.subscribed, "+
		"subscription_start = EXCLUDED.subscription_start, subscription_end = EXCLUDED.subscription_end",
		sub.ID, sub.TopicType, sub.Topic, sub.Secret, sub.LeaseSeconds, sub.Subscribed, nullTime(sub.Start), nullTime(sub.End))

	if err != nil {
		return errors.Wrap(err, "save subscription")
	}

	s.Call(&store.Added{Subscription: sub.Clone()})
	return nil
}

// Get retrieves a subscription by ID.
func (s *Store) Get(id string) (*model.Subscription, error) {
	row := s.db.QueryRow("SELECT "+columns+" FROM websub_subscriptions WHERE id = $1", id)

	sub, err := scan(row)

	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "get subscription")
	}

	return sub, nil
}

// All retrieves every subscription.
func (s *Store) All() ([]model.Subscription, error) {
	rows, err := s.db.Query("SELECT " + columns + " FROM websub_subscriptions")

	if err != nil {
		return nil, errors.Wrap(err, "list subscriptions")
	}

	defer rows.Close()

	subscriptions := make([]model.Subscription, 0)

	for rows.Next() {
		sub, err := scan(rows)

		if err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}

		subscriptions = append(subscriptions, *sub)
	}

	return subscriptions, rows.Err()
}

// Delete removes a subscription from the database.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM websub_subscriptions WHERE id = $1", id)

	if err != nil {
		return errors.Wrap(err, "delete subscription")
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.Call(&store.Removed{ID: id})
	}

	return nil
}

// Destroy closes the database connection. Rows are kept.
func (s *Store) Destroy() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*model.Subscription, error) {
	var (
		sub        model.Subscription
		start, end sql.NullTime
	)

	err := row.Scan(&sub.ID, &sub.TopicType, &sub.Topic, &sub.Secret, &sub.LeaseSeconds, &sub.Subscribed, &start, &end)

	if err != nil {
		return nil, err
	}

	if start.Valid {
		sub.Start = &start.Time
	}

	if end.Valid {
		sub.End = &end.Time
	}

	return &sub, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
