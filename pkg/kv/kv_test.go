package kv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func keys[V any](m map[string]V) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name string
		d1   map[string]any
		d2   map[string]any
	}{
		{"equal", map[string]any{"a": 1.0, "b": "x"}, map[string]any{"a": 1.0, "b": "x"}},
		{"both empty", map[string]any{}, map[string]any{}},
		{"added", map[string]any{"a": 1.0}, map[string]any{"a": 1.0, "b": 2.0}},
		{"removed", map[string]any{"a": 1.0, "b": 2.0}, map[string]any{"b": 2.0}},
		{"updated", map[string]any{"a": 1.0}, map[string]any{"a": 3.0}},
		{"nested", map[string]any{"a": []any{"x"}}, map[string]any{"a": []any{"x", "y"}}},
		{"mixed", map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}, map[string]any{"b": 2.0, "c": 4.0, "d": 5.0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Compare(tc.d1, tc.d2)

			got := map[string]struct{}{}
			for k := range d.Added {
				got[k] = struct{}{}
			}
			for k := range d.Removed {
				got[k] = struct{}{}
			}
			for k := range d.Updated {
				got[k] = struct{}{}
			}

			want := map[string]struct{}{}
			for k, v1 := range tc.d1 {
				v2, ok := tc.d2[k]
				if !ok || !assert.ObjectsAreEqual(v1, v2) {
					want[k] = struct{}{}
				}
			}
			for k := range tc.d2 {
				if _, ok := tc.d1[k]; !ok {
					want[k] = struct{}{}
				}
			}
			assert.Equal(t, want, got)

			for k := range d.Added {
				assert.NotContains(t, tc.d1, k)
			}
			for k := range d.Removed {
				assert.NotContains(t, tc.d2, k)
			}
			if assert.ObjectsAreEqual(tc.d1, tc.d2) {
				assert.True(t, d.Empty())
			}
		})
	}
}

func TestCompareChangeValues(t *testing.T) {
	d := Compare(map[string]any{"youtube": "UCold"}, map[string]any{"youtube": "UCnew"})
	require.Contains(t, d.Updated, "youtube")
	assert.Equal(t, Change{Old: "UCold", New: "UCnew"}, d.Updated["youtube"])
	assert.Empty(t, keys(d.Added))
	assert.Empty(t, keys(d.Removed))
}

func TestNewPairRejectsKeyField(t *testing.T) {
	_, err := NewPair("suisei", map[string]any{"key": "x"})
	assert.ErrorIs(t, err, ErrKeyField)

	p, err := NewPair("suisei", nil)
	require.NoError(t, err)
	assert.NotNil(t, p.Value)
}

func TestPairString(t *testing.T) {
	p := &Pair{Key: "k", Value: map[string]any{"s": "abc", "n": 12345.0, "f": 1.5, "nil": nil}}

	s, ok := p.String("s")
	assert.True(t, ok)
	assert.Equal(t, "abc", s)

	s, ok = p.String("n")
	assert.True(t, ok)
	assert.Equal(t, "12345", s)

	s, ok = p.String("f")
	assert.True(t, ok)
	assert.Equal(t, "1.5", s)

	_, ok = p.String("nil")
	assert.False(t, ok)
	_, ok = p.String("missing")
	assert.False(t, ok)
}

type hookRecorder struct {
	creates []*Pair
	updates []Diff
	deletes []*Pair
}

func newRecordedStore(t *testing.T) (*Store, *hookRecorder) {
	t.Helper()
	rec := &hookRecorder{}
	hooks := NewHooks()
	hooks.OnCreate("vtubers", func(_ context.Context, p *Pair) error {
		rec.creates = append(rec.creates, p)
		return nil
	})
	hooks.OnUpdate("vtubers", func(_ context.Context, _ *Pair, d Diff) error {
		rec.updates = append(rec.updates, d)
		return nil
	})
	hooks.OnDelete("vtubers", func(_ context.Context, p *Pair) error {
		rec.deletes = append(rec.deletes, p)
		return nil
	})
	return NewStore("vtubers", NewMemory(), hooks, testLogger()), rec
}

func TestStorePutFiresCreateOnce(t *testing.T) {
	s, rec := newRecordedStore(t)
	ctx := context.Background()

	old, next, err := s.Put(ctx, &Pair{Key: "suisei", Value: map[string]any{"youtube": "UC1"}})
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Equal(t, "UC1", next.Value["youtube"])
	assert.Len(t, rec.creates, 1)
	assert.Empty(t, rec.updates)
}

func TestStorePutFiresUpdateWithDiff(t *testing.T) {
	s, rec := newRecordedStore(t)
	ctx := context.Background()

	_, _, err := s.Put(ctx, &Pair{Key: "suisei", Value: map[string]any{"youtube": "UC1", "twitter": "1"}})
	require.NoError(t, err)

	old, _, err := s.Put(ctx, &Pair{Key: "suisei", Value: map[string]any{"youtube": "UC2", "bilibili": "9"}})
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, "UC1", old.Value["youtube"])

	require.Len(t, rec.updates, 1)
	d := rec.updates[0]
	assert.Equal(t, map[string]any{"bilibili": "9"}, d.Added)
	assert.Equal(t, map[string]any{"twitter": "1"}, d.Removed)
	assert.Equal(t, map[string]Change{"youtube": {Old: "UC1", New: "UC2"}}, d.Updated)
	assert.Len(t, rec.creates, 1)
}

func TestStoreDelete(t *testing.T) {
	s, rec := newRecordedStore(t)
	ctx := context.Background()

	_, err := s.Delete(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, rec.deletes)

	_, _, err = s.Put(ctx, &Pair{Key: "suisei", Value: map[string]any{"youtube": "UC1"}})
	require.NoError(t, err)

	removed, err := s.Delete(ctx, "suisei")
	require.NoError(t, err)
	assert.Equal(t, "UC1", removed.Value["youtube"])
	require.Len(t, rec.deletes, 1)
	assert.Equal(t, "suisei", rec.deletes[0].Key)

	_, err = s.Get(ctx, "suisei")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGetOrCreate(t *testing.T) {
	s, rec := newRecordedStore(t)
	ctx := context.Background()

	p, err := s.GetOrCreate(ctx, "twitter_since", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "twitter_since", p.Key)
	assert.Len(t, rec.creates, 1)

	_, err = s.GetOrCreate(ctx, "twitter_since", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Len(t, rec.creates, 1)
}

func TestStoreGetOrCreateKeepsConcurrentWrites(t *testing.T) {
	hooks := NewHooks()
	var creates atomic.Int32
	hooks.OnCreate("state", func(context.Context, *Pair) error {
		creates.Add(1)
		return nil
	})
	s := NewStore("state", NewMemory(), hooks, testLogger())
	ctx := context.Background()

	_, _, err := s.Put(ctx, &Pair{Key: "bilibili_since", Value: map[string]any{"suisei": "9"}})
	require.NoError(t, err)
	p, err := s.GetOrCreate(ctx, "bilibili_since", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "9", p.Value["suisei"])

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.GetOrCreate(ctx, "twitter_since", map[string]any{"n": float64(i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), creates.Load())

	first, err := s.Get(ctx, "twitter_since")
	require.NoError(t, err)
	again, err := s.GetOrCreate(ctx, "twitter_since", map[string]any{"n": -1.0})
	require.NoError(t, err)
	assert.Equal(t, first.Value, again.Value)
}

func TestStoreDeleteHookError(t *testing.T) {
	hooks := NewHooks()
	hooks.OnDelete("vtubers", func(context.Context, *Pair) error { return errors.New("boom") })
	s := NewStore("vtubers", NewMemory(), hooks, testLogger())
	ctx := context.Background()
	_, _, err := s.Put(ctx, &Pair{Key: "suisei", Value: map[string]any{}})
	require.NoError(t, err)

	removed, err := s.Delete(ctx, "suisei")
	assert.ErrorIs(t, err, ErrHook)
	assert.Equal(t, "suisei", removed.Key)
	_, err = s.Get(ctx, "suisei")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorePutRejectsKeyField(t *testing.T) {
	s, rec := newRecordedStore(t)
	_, _, err := s.Put(context.Background(), &Pair{Key: "suisei", Value: map[string]any{"key": "x"}})
	assert.ErrorIs(t, err, ErrKeyField)
	assert.Empty(t, rec.creates)
}

func TestStoreHookErrorsAfterCommit(t *testing.T) {
	hooks := NewHooks()
	boom := errors.New("boom")
	var order []int
	hooks.OnCreate("configs", func(context.Context, *Pair) error {
		order = append(order, 1)
		return boom
	})
	hooks.OnCreate("configs", func(context.Context, *Pair) error {
		order = append(order, 2)
		return nil
	})
	s := NewStore("configs", NewMemory(), hooks, testLogger())
	ctx := context.Background()

	_, next, err := s.Put(ctx, &Pair{Key: "twitter", Value: map[string]any{"disabled": true}})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrHook)
	assert.NotNil(t, next)
	assert.Equal(t, []int{1, 2}, order)

	p, err := s.Get(ctx, "twitter")
	require.NoError(t, err)
	assert.Equal(t, true, p.Value["disabled"])
}

func TestHooksAreScopedByStore(t *testing.T) {
	hooks := NewHooks()
	fired := 0
	hooks.OnCreate("vtubers", func(context.Context, *Pair) error {
		fired++
		return nil
	})
	s := NewStore("configs", NewMemory(), hooks, testLogger())
	_, _, err := s.Put(context.Background(), &Pair{Key: "k", Value: map[string]any{}})
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestOpenBackendSchemes(t *testing.T) {
	ctx := context.Background()

	b, err := OpenBackend(ctx, "memory://", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	_, err = OpenBackend(ctx, "ftp://nowhere", testLogger())
	assert.Error(t, err)

	_, err = OpenBackend(ctx, "sqlite://only-a-table", testLogger())
	assert.Error(t, err)

	_, err = OpenBackend(ctx, "mongodb://localhost:27017/db", testLogger())
	assert.Error(t, err)

	_, err = OpenBackend(ctx, "redis://localhost:6379/x/vtubers", testLogger())
	assert.Error(t, err)
}

// testBackend exercises the contract every backend shares.
func testBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Get(ctx, "suisei")
	require.ErrorIs(t, err, ErrNotFound)

	existing, err := b.Create(ctx, &Pair{Key: "pekora", Value: map[string]any{"n": 1.0}})
	require.NoError(t, err)
	assert.Nil(t, existing)
	existing, err = b.Create(ctx, &Pair{Key: "pekora", Value: map[string]any{"n": 2.0}})
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, 1.0, existing.Value["n"])
	p, err := b.Get(ctx, "pekora")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.0}, p.Value)
	_, err = b.Delete(ctx, "pekora")
	require.NoError(t, err)

	old, err := b.Put(ctx, &Pair{Key: "suisei", Value: map[string]any{"youtube": "UC1", "n": 3.0}})
	require.NoError(t, err)
	assert.Nil(t, old)

	old, err = b.Put(ctx, &Pair{Key: "suisei", Value: map[string]any{"youtube": "UC2", "n": 3.0}})
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, "UC1", old.Value["youtube"])
	assert.Equal(t, 3.0, old.Value["n"])

	_, err = b.Put(ctx, &Pair{Key: "aqua", Value: map[string]any{"twitter": "42"}})
	require.NoError(t, err)
	_, err = b.Put(ctx, &Pair{Key: "miko", Value: map[string]any{"youtube": nil}})
	require.NoError(t, err)

	p, err = b.Get(ctx, "suisei")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"youtube": "UC2", "n": 3.0}, p.Value)

	all, err := Collect(b.Iter(ctx))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tracked, err := Collect(b.HasField(ctx, "youtube"))
	require.NoError(t, err)
	var names []string
	for _, p := range tracked {
		names = append(names, p.Key)
	}
	assert.ElementsMatch(t, []string{"suisei", "miko"}, names)

	// sequences are restartable
	again, err := Collect(b.HasField(ctx, "youtube"))
	require.NoError(t, err)
	assert.Len(t, again, 2)

	// early break stops iteration
	n := 0
	for _, err := range b.Iter(ctx) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)

	removed, err := b.Delete(ctx, "aqua")
	require.NoError(t, err)
	assert.Equal(t, "42", removed.Value["twitter"])

	_, err = b.Delete(ctx, "aqua")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err = Collect(b.Iter(ctx))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, NewMemory())
}

func TestMemoryBackendCopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := map[string]any{"list": []any{"a"}}
	_, err := m.Put(ctx, &Pair{Key: "k", Value: v})
	require.NoError(t, err)

	v["list"] = []any{"mutated"}
	p, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, p.Value["list"])

	p.Value["list"] = "changed"
	p2, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, p2.Value["list"])
}
