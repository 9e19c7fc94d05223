package cursor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suisei-cn/stargazer/pkg/kv"
)

func newStore(t *testing.T) (*kv.Store, *int) {
	t.Helper()
	writes := 0
	hooks := kv.NewHooks()
	hooks.OnCreate("state", func(context.Context, *kv.Pair) error { writes++; return nil })
	hooks.OnUpdate("state", func(context.Context, *kv.Pair, kv.Diff) error { writes++; return nil })
	return kv.NewStore("state", kv.NewMemory(), hooks, slog.New(slog.NewTextHandler(io.Discard, nil))), &writes
}

func TestLoadCreatesEmptyRecord(t *testing.T) {
	s, _ := newStore(t)
	c := New(s, "twitter")
	ctx := context.Background()

	got, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	p, err := s.Get(ctx, "twitter_since")
	require.NoError(t, err)
	assert.Empty(t, p.Value)
}

func TestCommitIsOneWriteAndMonotonic(t *testing.T) {
	s, writes := newStore(t)
	c := New(s, "bilibili")
	ctx := context.Background()

	require.NoError(t, c.Commit(ctx, map[string]int64{"suisei": 105, "aqua": 7}))
	// create of the empty record plus one batched update
	assert.Equal(t, 2, *writes)

	require.NoError(t, c.Commit(ctx, map[string]int64{"suisei": 100, "aqua": 7}))
	assert.Equal(t, 2, *writes)

	got, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"suisei": 105, "aqua": 7}, got)
}

func TestCommitKeepsLargeIDs(t *testing.T) {
	s, _ := newStore(t)
	c := New(s, "twitter")
	ctx := context.Background()

	const id = int64(1787654321098765433)
	require.NoError(t, c.Commit(ctx, map[string]int64{"suisei": id}))

	got, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got["suisei"])
}

func TestLoadReadsNumericCursors(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, _, err := s.Put(ctx, &kv.Pair{Key: "twitter_since", Value: map[string]any{"suisei": 42}})
	require.NoError(t, err)

	got, err := New(s, "twitter").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got["suisei"])
}

func TestCommitSurvivesHookFailure(t *testing.T) {
	hooks := kv.NewHooks()
	hooks.OnUpdate("state", func(context.Context, *kv.Pair, kv.Diff) error { return errors.New("boom") })
	s := kv.NewStore("state", kv.NewMemory(), hooks, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := New(s, "bluesky")
	ctx := context.Background()

	require.NoError(t, c.Commit(ctx, map[string]int64{"suisei": 12}))

	got, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got["suisei"])
}
