package statestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_RoundTripAndMissingKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var out sample
			ok, err := s.Get(ctx, "missing", &out)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, s.Set(ctx, "a", sample{Name: "x", Count: 1}))
			require.NoError(t, s.Set(ctx, "a", sample{Name: "y", Count: 2}))

			ok, err = s.Get(ctx, "a", &out)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, sample{Name: "y", Count: 2}, out)
		})
	}
}

func TestStore_KeysAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetMany(ctx, map[string]any{
				ConversationKey("v2"): 1,
				ConversationKey("v1"): 2,
				KeyAPIEndpoint:        "http://localhost:8000/ask",
			}))

			keys, err := s.Keys(ctx, ConversationKeyPrefix)
			require.NoError(t, err)
			require.Equal(t, []string{"chat_v1", "chat_v2"}, keys)

			require.NoError(t, s.Delete(ctx, ConversationKey("v1")))
			keys, err = s.Keys(ctx, "")
			require.NoError(t, err)
			require.Equal(t, []string{"apiEndpoint", "chat_v2"}, keys)
		})
	}
}

func TestStore_RejectsEmptyKey(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.Error(t, s.Set(context.Background(), " ", 1))
		})
	}
}

func TestDump(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.Set(ctx, KeyVersion, "1.0.0"))

	all, err := Dump(ctx, s, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"version": "1.0.0"}, all)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Settings{Driver: "etcd"})
	require.ErrorContains(t, err, "unknown driver")

	s, err := Open(Settings{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &InMemoryStore{}, s)
}
