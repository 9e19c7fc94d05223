package kv

import (
	"context"
	"iter"
	"log/slog"
	"net/url"
	"slices"
	"sync"
)

// Memory is a process-local backend.
type Memory struct {
	mu    sync.RWMutex
	pairs map[string]map[string]any
}

func NewMemory() *Memory {
	return &Memory{pairs: map[string]map[string]any{}}
}

func openMemory(_ context.Context, _ *url.URL, _ *slog.Logger) (Backend, error) {
	return NewMemory(), nil
}

func (m *Memory) Get(_ context.Context, key string) (*Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.pairs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.pair(key, v)
}

func (m *Memory) Put(_ context.Context, p *Pair) (*Pair, error) {
	v, err := normalize(p.Value)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.pairs[p.Key]
	m.pairs[p.Key] = v
	if !existed {
		return nil, nil
	}
	return &Pair{Key: p.Key, Value: prev}, nil
}

func (m *Memory) Create(_ context.Context, p *Pair) (*Pair, error) {
	v, err := normalize(p.Value)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.pairs[p.Key]; ok {
		return m.pair(p.Key, prev)
	}
	m.pairs[p.Key] = v
	return nil, nil
}

func (m *Memory) Delete(_ context.Context, key string) (*Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.pairs[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.pairs, key)
	return &Pair{Key: key, Value: v}, nil
}

func (m *Memory) Iter(ctx context.Context) iter.Seq2[*Pair, error] {
	return m.scan(ctx, "")
}

func (m *Memory) HasField(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	return m.scan(ctx, field)
}

func (m *Memory) scan(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	return func(yield func(*Pair, error) bool) {
		m.mu.RLock()
		keys := make([]string, 0, len(m.pairs))
		for k := range m.pairs {
			keys = append(keys, k)
		}
		m.mu.RUnlock()
		slices.Sort(keys)

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			m.mu.RLock()
			v, ok := m.pairs[k]
			m.mu.RUnlock()
			if !ok {
				continue
			}
			if field != "" {
				if _, has := v[field]; !has {
					continue
				}
			}
			if !yield(m.pair(k, v)) {
				return
			}
		}
	}
}

func (m *Memory) pair(key string, v map[string]any) (*Pair, error) {
	cp, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return &Pair{Key: key, Value: cp}, nil
}

func (m *Memory) Close() error {
	return nil
}
