package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	CreateHook func(ctx context.Context, p *Pair) error
	UpdateHook func(ctx context.Context, p *Pair, d Diff) error
	DeleteHook func(ctx context.Context, p *Pair) error
)

// Hooks is the registration table of mutation hooks, keyed by store name and
// hook kind. Hooks for one store and kind run in registration order.
type Hooks struct {
	mu     sync.RWMutex
	create map[string][]CreateHook
	update map[string][]UpdateHook
	delete map[string][]DeleteHook
}

func NewHooks() *Hooks {
	return &Hooks{
		create: map[string][]CreateHook{},
		update: map[string][]UpdateHook{},
		delete: map[string][]DeleteHook{},
	}
}

func (h *Hooks) OnCreate(store string, fn CreateHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.create[store] = append(h.create[store], fn)
}

func (h *Hooks) OnUpdate(store string, fn UpdateHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.update[store] = append(h.update[store], fn)
}

func (h *Hooks) OnDelete(store string, fn DeleteHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delete[store] = append(h.delete[store], fn)
}

func (h *Hooks) fireCreate(ctx context.Context, store string, p *Pair) error {
	h.mu.RLock()
	fns := append([]CreateHook(nil), h.create[store]...)
	h.mu.RUnlock()

	var errs []error
	for i, fn := range fns {
		if err := fn(ctx, p.Clone()); err != nil {
			hookFailures.WithLabelValues(store, "create").Inc()
			errs = append(errs, fmt.Errorf("create hook %d on %s: %w", i, store, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hooks) fireUpdate(ctx context.Context, store string, p *Pair, d Diff) error {
	h.mu.RLock()
	fns := append([]UpdateHook(nil), h.update[store]...)
	h.mu.RUnlock()

	var errs []error
	for i, fn := range fns {
		if err := fn(ctx, p.Clone(), d); err != nil {
			hookFailures.WithLabelValues(store, "update").Inc()
			errs = append(errs, fmt.Errorf("update hook %d on %s: %w", i, store, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hooks) fireDelete(ctx context.Context, store string, p *Pair) error {
	h.mu.RLock()
	fns := append([]DeleteHook(nil), h.delete[store]...)
	h.mu.RUnlock()

	var errs []error
	for i, fn := range fns {
		if err := fn(ctx, p.Clone()); err != nil {
			hookFailures.WithLabelValues(store, "delete").Inc()
			errs = append(errs, fmt.Errorf("delete hook %d on %s: %w", i, store, err))
		}
	}
	return errors.Join(errs...)
}
