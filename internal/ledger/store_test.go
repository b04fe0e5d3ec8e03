package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	assert.FileExists(t, store.Path())

	again, err := Open(store.Path())
	require.NoError(t, err, "schema creation is idempotent")
	again.Close()
}

func TestStore_RecordAndRecent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	first := &Entry{
		EventID: "ev-1", Kind: "workflow_run", Source: "github_monitor", Priority: 4,
		Channel: "stream", OK: true, SessionID: "abc", PromptChars: 120,
		StartedAt: base, Duration: 1500 * time.Millisecond,
	}
	second := &Entry{
		EventID: "ev-2", Kind: "manual_trigger", Source: "cli", Priority: 3,
		Channel: "file", OK: true, PromptChars: 10,
		StartedAt: base.Add(time.Minute), Error: "exit status 1",
	}
	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "ev-2", entries[0].EventID, "newest first")
	assert.Equal(t, "exit status 1", entries[0].Error)
	assert.Empty(t, entries[0].SessionID)

	got := entries[1]
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "abc", got.SessionID)
	assert.True(t, got.OK)
	assert.Equal(t, 4, got.Priority)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.True(t, base.Equal(got.StartedAt))

	limited, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_CountByChannel(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	for _, ch := range []string{"stream", "stream", "resume", "file"} {
		require.NoError(t, store.Record(ctx, &Entry{EventID: "e", Kind: "k", Source: "s", Channel: ch}))
	}

	counts, err := store.CountByChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"stream": 2, "resume": 1, "file": 1}, counts)
}

func TestStore_RecordAfterClose(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Error(t, store.Record(context.Background(), &Entry{EventID: "e"}))
}
