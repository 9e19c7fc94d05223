// Package cursor keeps the last seen item id per subject for each polling
// source, stored as one pair per source named "<source>_since".
package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/suisei-cn/stargazer/pkg/kv"
)

type Store struct {
	kv     *kv.Store
	source string
}

func New(store *kv.Store, source string) *Store {
	return &Store{kv: store, source: source}
}

func (c *Store) Key() string {
	return c.source + "_since"
}

// Load returns the cursor of every subject of the source, creating the
// empty record on first use. Subjects never seen read as 0.
func (c *Store) Load(ctx context.Context) (map[string]int64, error) {
	p, err := c.kv.GetOrCreate(ctx, c.Key(), map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", c.Key(), err)
	}
	out := make(map[string]int64, len(p.Value))
	for subject, v := range p.Value {
		id, err := parse(v)
		if err != nil {
			return nil, fmt.Errorf("bad cursor for %s in %s: %w", subject, c.Key(), err)
		}
		out[subject] = id
	}
	return out, nil
}

// Commit writes every advanced cursor in a single store write. Cursors that
// would move backwards are ignored. Nothing is written when no cursor moved.
func (c *Store) Commit(ctx context.Context, updates map[string]int64) error {
	current, err := c.Load(ctx)
	if err != nil {
		return err
	}

	changed := false
	for subject, id := range updates {
		if id > current[subject] {
			current[subject] = id
			changed = true
		}
	}
	if !changed {
		return nil
	}

	value := make(map[string]any, len(current))
	for subject, id := range current {
		value[subject] = strconv.FormatInt(id, 10)
	}
	// a hook failure still leaves the cursor committed
	if _, _, err := c.kv.Put(ctx, &kv.Pair{Key: c.Key(), Value: value}); err != nil && !errors.Is(err, kv.ErrHook) {
		return fmt.Errorf("failed to commit %s: %w", c.Key(), err)
	}
	return nil
}

func parse(v any) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(t, 10, 64)
	case float64:
		return int64(t), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
