package repository

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh Store plus a function that moves its clock.
type storeFactory func(t *testing.T) (Store, func(time.Duration))

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Put(ctx, "model:a", []byte(`{"a":1}`), time.Hour))
		it, err := s.Get(ctx, "model:a")
		require.NoError(t, err)
		require.Equal(t, `{"a":1}`, string(it.Value))
		require.Equal(t, int64(1), it.Version)
	})

	t.Run("put overwrites and bumps version", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Put(ctx, "model:a", []byte("one"), time.Hour))
		require.NoError(t, s.Put(ctx, "model:a", []byte("two"), time.Hour))
		it, err := s.Get(ctx, "model:a")
		require.NoError(t, err)
		require.Equal(t, "two", string(it.Value))
		require.Equal(t, int64(2), it.Version)
	})

	t.Run("get absent", func(t *testing.T) {
		s, _ := newStore(t)
		_, err := s.Get(ctx, "model:none")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired reads as absent", func(t *testing.T) {
		s, advance := newStore(t)
		require.NoError(t, s.Put(ctx, "conversation:c", []byte("x"), time.Minute))
		advance(61 * time.Second)
		_, err := s.Get(ctx, "conversation:c")
		require.ErrorIs(t, err, ErrNotFound)
		keys, err := s.ListKeys(ctx, ConversationPrefix)
		require.NoError(t, err)
		require.Empty(t, keys)
	})

	t.Run("put resets ttl", func(t *testing.T) {
		s, advance := newStore(t)
		require.NoError(t, s.Put(ctx, "conversation:c", []byte("x"), time.Minute))
		advance(40 * time.Second)
		require.NoError(t, s.Put(ctx, "conversation:c", []byte("y"), time.Minute))
		advance(40 * time.Second)
		it, err := s.Get(ctx, "conversation:c")
		require.NoError(t, err)
		require.Equal(t, "y", string(it.Value))
	})

	t.Run("delete", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Put(ctx, "conversation:c", []byte("x"), time.Hour))
		ok, err := s.Delete(ctx, "conversation:c")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.Delete(ctx, "conversation:c")
		require.NoError(t, err)
		require.False(t, ok)
		_, err = s.Get(ctx, "conversation:c")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list keys by prefix", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Put(ctx, "conversation:1", []byte("x"), time.Hour))
		require.NoError(t, s.Put(ctx, "conversation:2", []byte("x"), time.Hour))
		require.NoError(t, s.Put(ctx, "model:1", []byte("x"), time.Hour))
		keys, err := s.ListKeys(ctx, ConversationPrefix)
		require.NoError(t, err)
		sort.Strings(keys)
		require.Equal(t, []string{"conversation:1", "conversation:2"}, keys)
	})

	t.Run("versioned create and update", func(t *testing.T) {
		s, _ := newStore(t)
		v1, err := s.PutVersioned(ctx, "conversation:c", []byte("a"), time.Hour, 0)
		require.NoError(t, err)
		require.Equal(t, int64(1), v1)

		v2, err := s.PutVersioned(ctx, "conversation:c", []byte("b"), time.Hour, v1)
		require.NoError(t, err)
		require.Equal(t, int64(2), v2)

		it, err := s.Get(ctx, "conversation:c")
		require.NoError(t, err)
		require.Equal(t, "b", string(it.Value))
		require.Equal(t, v2, it.Version)
	})

	t.Run("versioned rejects stale version", func(t *testing.T) {
		s, _ := newStore(t)
		v1, err := s.PutVersioned(ctx, "conversation:c", []byte("a"), time.Hour, 0)
		require.NoError(t, err)
		_, err = s.PutVersioned(ctx, "conversation:c", []byte("b"), time.Hour, v1)
		require.NoError(t, err)

		_, err = s.PutVersioned(ctx, "conversation:c", []byte("stale"), time.Hour, v1)
		require.ErrorIs(t, err, ErrVersionConflict)
		_, err = s.PutVersioned(ctx, "conversation:c", []byte("dup"), time.Hour, 0)
		require.ErrorIs(t, err, ErrVersionConflict)

		it, err := s.Get(ctx, "conversation:c")
		require.NoError(t, err)
		require.Equal(t, "b", string(it.Value))
	})

	t.Run("versioned create over expired key", func(t *testing.T) {
		s, advance := newStore(t)
		_, err := s.PutVersioned(ctx, "conversation:c", []byte("a"), time.Minute, 0)
		require.NoError(t, err)
		advance(2 * time.Minute)
		ver, err := s.PutVersioned(ctx, "conversation:c", []byte("b"), time.Minute, 0)
		require.NoError(t, err)
		require.Equal(t, int64(1), ver)
	})

	t.Run("ping", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Ping(ctx))
	})
}
