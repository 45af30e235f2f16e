// Package storetest holds behaviour tests shared by store implementations.
package storetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/store"
)

// Pending returns an unverified subscription record.
func Pending(id string) model.Subscription {
	return model.Subscription{
		ID:           id,
		TopicType:    "user_follows",
		Topic:        "https://api.twitch.tv/helix/users/" + id,
		Secret:       "secret-" + id,
		LeaseSeconds: 3600,
	}
}

// Run exercises the store contract against a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get("follows?to_id=1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PersistGet", func(t *testing.T) {
		s := newStore(t)
		sub := Pending("follows?to_id=1")

		require.NoError(t, s.Persist(sub))

		got, err := s.Get(sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub, *got)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		sub := Pending("follows?to_id=1")

		require.NoError(t, s.Persist(sub))

		start := time.Unix(1700000000, 0).UTC()
		end := start.Add(time.Hour)
		sub.Subscribed = true
		sub.Start = &start
		sub.End = &end

		require.NoError(t, s.Save(sub))
		require.NoError(t, s.Save(sub))

		got, err := s.Get(sub.ID)
		require.NoError(t, err)
		assert.True(t, got.Subscribed)
		require.NotNil(t, got.Start)
		require.NotNil(t, got.End)
		assert.True(t, start.Equal(*got.Start))
		assert.True(t, end.Equal(*got.End))

		all, err := s.All()
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("All", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Persist(Pending("streams?user_id=1")))
		require.NoError(t, s.Persist(Pending("streams?user_id=2")))

		all, err := s.All()
		require.NoError(t, err)

		ids := make([]string, 0, len(all))

		for _, sub := range all {
			ids = append(ids, sub.ID)
		}

		assert.ElementsMatch(t, []string{"streams?user_id=1", "streams?user_id=2"}, ids)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		sub := Pending("users?id=1")

		require.NoError(t, s.Persist(sub))
		require.NoError(t, s.Delete(sub.ID))
		require.NoError(t, s.Delete(sub.ID))

		_, err := s.Get(sub.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
