package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("kv")

// Store is a named collection of pairs over a pluggable Backend. Hooks are
// fired by the Store after the backend committed a write, so every backend
// shares the same hook semantics.
type Store struct {
	name    string
	backend Backend
	hooks   *Hooks
	logger  *slog.Logger
}

func NewStore(name string, backend Backend, hooks *Hooks, logger *slog.Logger) *Store {
	if hooks == nil {
		hooks = NewHooks()
	}
	return &Store{
		name:    name,
		backend: backend,
		hooks:   hooks,
		logger:  logger.With("module", "kv", "store", name),
	}
}

// Open opens the backend selected by rawURL and wraps it in a Store.
func Open(ctx context.Context, name, rawURL string, hooks *Hooks, logger *slog.Logger) (*Store, error) {
	backend, err := OpenBackend(ctx, rawURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", name, err)
	}
	return NewStore(name, backend, hooks, logger), nil
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Get(ctx context.Context, key string) (*Pair, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()
	span.SetAttributes(attribute.String("store", s.name), attribute.String("key", key))

	p, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			storeOps.WithLabelValues(s.name, "get", "not_found").Inc()
			return nil, fmt.Errorf("%s/%s: %w", s.name, key, ErrNotFound)
		}
		storeOps.WithLabelValues(s.name, "get", "error").Inc()
		return nil, fmt.Errorf("failed to get %s/%s: %w", s.name, key, err)
	}
	storeOps.WithLabelValues(s.name, "get", "ok").Inc()
	return p, nil
}

// GetOrCreate returns the pair under key, creating and persisting one with
// the default value when it does not exist yet. The create is a single
// create-if-absent write, so a concurrent Put is never overwritten by the
// default. Create hooks fire only when this call created the pair.
func (s *Store) GetOrCreate(ctx context.Context, key string, def map[string]any) (*Pair, error) {
	ctx, span := tracer.Start(ctx, "GetOrCreate")
	defer span.End()
	span.SetAttributes(attribute.String("store", s.name), attribute.String("key", key))

	p, err := NewPair(key, def)
	if err != nil {
		return nil, fmt.Errorf("invalid pair %s/%s: %w", s.name, key, err)
	}
	value, err := normalize(p.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s/%s: %w", s.name, key, err)
	}
	next := &Pair{Key: key, Value: value}

	existing, err := s.backend.Create(ctx, next)
	if err != nil {
		storeOps.WithLabelValues(s.name, "create", "error").Inc()
		return nil, fmt.Errorf("failed to create %s/%s: %w", s.name, key, err)
	}
	if existing != nil {
		storeOps.WithLabelValues(s.name, "create", "exists").Inc()
		return existing, nil
	}
	storeOps.WithLabelValues(s.name, "create", "ok").Inc()

	if err := s.hooks.fireCreate(ctx, s.name, next); err != nil {
		s.logger.Error("hooks failed after create", "key", key, "error", err)
	}
	return next, nil
}

// Put writes the pair and returns the previous pair (nil when the key is new)
// and the stored pair. A new key fires create hooks; an existing key fires
// update hooks with the diff of the two values. When the write succeeded but
// a hook failed, both pairs are returned along with the joined hook errors
// wrapped in ErrHook.
func (s *Store) Put(ctx context.Context, p *Pair) (*Pair, *Pair, error) {
	ctx, span := tracer.Start(ctx, "Put")
	defer span.End()
	span.SetAttributes(attribute.String("store", s.name), attribute.String("key", p.Key))

	if p.Value == nil {
		p = &Pair{Key: p.Key, Value: map[string]any{}}
	}
	if err := p.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid pair %s/%s: %w", s.name, p.Key, err)
	}
	value, err := normalize(p.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s/%s: %w", s.name, p.Key, err)
	}
	next := &Pair{Key: p.Key, Value: value}

	old, err := s.backend.Put(ctx, next)
	if err != nil {
		storeOps.WithLabelValues(s.name, "put", "error").Inc()
		return nil, nil, fmt.Errorf("failed to put %s/%s: %w", s.name, p.Key, err)
	}
	storeOps.WithLabelValues(s.name, "put", "ok").Inc()

	if old == nil {
		return nil, next, hookErr(s.hooks.fireCreate(ctx, s.name, next))
	}
	d := Compare(old.Value, next.Value)
	return old, next, hookErr(s.hooks.fireUpdate(ctx, s.name, next, d))
}

func hookErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHook, err)
}

// Delete removes the pair under key and fires delete hooks with it. Hook
// failures are wrapped in ErrHook.
func (s *Store) Delete(ctx context.Context, key string) (*Pair, error) {
	ctx, span := tracer.Start(ctx, "Delete")
	defer span.End()
	span.SetAttributes(attribute.String("store", s.name), attribute.String("key", key))

	removed, err := s.backend.Delete(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			storeOps.WithLabelValues(s.name, "delete", "not_found").Inc()
			return nil, fmt.Errorf("%s/%s: %w", s.name, key, ErrNotFound)
		}
		storeOps.WithLabelValues(s.name, "delete", "error").Inc()
		return nil, fmt.Errorf("failed to delete %s/%s: %w", s.name, key, err)
	}
	storeOps.WithLabelValues(s.name, "delete", "ok").Inc()
	return removed, hookErr(s.hooks.fireDelete(ctx, s.name, removed))
}

// Iter yields every pair in the store. Each range over the sequence queries
// the backend again.
func (s *Store) Iter(ctx context.Context) iter.Seq2[*Pair, error] {
	return s.backend.Iter(ctx)
}

// HasField yields every pair whose value contains field.
func (s *Store) HasField(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	return s.backend.HasField(ctx, field)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Collect drains a pair sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Pair, error]) ([]*Pair, error) {
	var out []*Pair
	for p, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Option reads a boolean switch stored as field of the pair under key. A
// missing pair or field is false; true and "true" are true.
func (s *Store) Option(ctx context.Context, key, field string) (bool, error) {
	p, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	switch v := p.Value[field].(type) {
	case bool:
		return v, nil
	case string:
		return v == "true", nil
	default:
		return false, nil
	}
}
