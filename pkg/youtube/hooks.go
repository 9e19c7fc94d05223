package youtube

import (
	"context"
	"errors"
	"fmt"

	"github.com/suisei-cn/stargazer/pkg/kv"
)

func channelOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// RegisterHooks makes changes of the youtube field of profiles in store
// drive subscriptions.
func (m *Manager) RegisterHooks(hooks *kv.Hooks, store string) {
	hooks.OnCreate(store, func(ctx context.Context, p *kv.Pair) error {
		if ch := channelOf(p.Value[Field]); ch != "" {
			return m.subscribe(ctx, ch)
		}
		return nil
	})
	hooks.OnUpdate(store, func(ctx context.Context, p *kv.Pair, d kv.Diff) error {
		if v, ok := d.Added[Field]; ok {
			return m.subscribe(ctx, channelOf(v))
		}
		if v, ok := d.Removed[Field]; ok {
			return m.unsubscribe(ctx, channelOf(v))
		}
		if c, ok := d.Updated[Field]; ok {
			return errors.Join(
				m.unsubscribe(ctx, channelOf(c.Old)),
				m.subscribe(ctx, channelOf(c.New)),
			)
		}
		return nil
	})
	hooks.OnDelete(store, func(ctx context.Context, p *kv.Pair) error {
		if ch := channelOf(p.Value[Field]); ch != "" {
			return m.unsubscribe(ctx, ch)
		}
		return nil
	})
}

// subscribe tolerates channels another profile already tracks.
func (m *Manager) subscribe(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}
	err := m.Subscribe(ctx, channelID)
	if errors.Is(err, ErrConflict) {
		m.logger.Info("channel already tracked", "channel_id", channelID)
		return nil
	}
	return err
}

func (m *Manager) unsubscribe(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}
	err := m.Unsubscribe(ctx, channelID)
	if errors.Is(err, ErrNotFound) {
		m.logger.Info("channel was not tracked", "channel_id", channelID)
		return nil
	}
	return err
}
