package sentry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorageImplementations(t *testing.T) {
	backends := map[string]func(t *testing.T) Storage{
		"memory": func(*testing.T) Storage { return NewMemoryStorage() },
		"sqlite": func(t *testing.T) Storage { return openTestSQLite(t) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "sos_outbox:b", []byte("2")))
			require.NoError(t, s.Set(ctx, "sos_outbox:a", []byte("1")))
			require.NoError(t, s.Set(ctx, "token", []byte("t")))
			require.NoError(t, s.Set(ctx, "sos_outbox:a", []byte("1b")))

			v, ok, err := s.Get(ctx, "sos_outbox:a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "1b", string(v))

			keys, err := s.Keys(ctx, "sos_outbox:")
			require.NoError(t, err)
			assert.Equal(t, []string{"sos_outbox:a", "sos_outbox:b"}, keys)

			require.NoError(t, s.Delete(ctx, "sos_outbox:a"))
			require.NoError(t, s.Delete(ctx, "sos_outbox:a"))
			keys, err = s.Keys(ctx, "sos_outbox:")
			require.NoError(t, err)
			assert.Equal(t, []string{"sos_outbox:b"}, keys)
		})
	}
}

func TestSQLiteStoragePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, NewTokenStore(s).Save(ctx, "tok"))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()
	token, err := NewTokenStore(s).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}

func TestMemoryStorageCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'x'

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}
