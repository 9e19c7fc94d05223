package youtube

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/suisei-cn/stargazer/pkg/kv"
)

const (
	LiveStateKey  = "youtube_live_state"
	VideoStateKey = "youtube_video_state"
)

// Snapshot persists the pending broadcasts of every channel and the history
// of announced videos.
func (m *Manager) Snapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Snapshot")
	defer span.End()

	m.mu.Lock()
	live := make(map[string]any, len(m.channels))
	for ch, videos := range m.channels {
		dumps := make([]videoDump, 0, len(videos))
		for _, v := range videos {
			dumps = append(dumps, v.dump())
		}
		live[ch] = dumps
	}
	history := make([]videoDump, 0, len(m.history))
	for _, v := range m.history {
		history = append(history, v.dump())
	}
	m.mu.Unlock()

	if _, _, err := m.state.Put(ctx, &kv.Pair{Key: LiveStateKey, Value: live}); err != nil {
		return fmt.Errorf("failed to write %s: %w", LiveStateKey, err)
	}
	if _, _, err := m.state.Put(ctx, &kv.Pair{Key: VideoStateKey, Value: map[string]any{"videos": history}}); err != nil {
		return fmt.Errorf("failed to write %s: %w", VideoStateKey, err)
	}
	return nil
}

// Recover rebuilds the tracked channels from the profile store and restores
// the last snapshot. Persisted broadcasts are re-fetched and only kept when
// they still have not started.
func (m *Manager) Recover(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Recover")
	defer span.End()

	for p, err := range m.profiles.HasField(ctx, Field) {
		if err != nil {
			return fmt.Errorf("failed to list youtube profiles: %w", err)
		}
		ch, ok := p.String(Field)
		if !ok || ch == "" {
			continue
		}
		m.mu.Lock()
		if _, ok := m.channels[ch]; !ok {
			m.channels[ch] = []*Video{}
		}
		m.mu.Unlock()
	}

	live, err := m.state.Get(ctx, LiveStateKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		m.logger.Warn("missing live state, ignoring")
		live = &kv.Pair{Key: LiveStateKey, Value: map[string]any{}}
	case err != nil:
		return err
	}

	restored := 0
	for ch, raw := range live.Value {
		dumps, err := decodeDumps(raw)
		if err != nil {
			m.logger.Error("bad live state entry", "channel_id", ch, "error", err)
			continue
		}
		m.mu.Lock()
		_, tracked := m.channels[ch]
		m.mu.Unlock()
		if !tracked {
			m.logger.Info("skipping saved broadcasts of untracked channel", "channel_id", ch)
			continue
		}

		for _, d := range dumps {
			saved, err := d.load()
			if err != nil {
				m.logger.Error("bad saved broadcast", "channel_id", ch, "error", err)
				continue
			}
			fresh, err := m.details.Fetch(ctx, saved.ID)
			if err != nil {
				m.logger.Warn("dropping saved broadcast after failed fetch", "video_id", saved.ID, "error", err)
				continue
			}
			saved.merge(fresh)
			if saved.ActualStartTime != nil || saved.Type != TypeBroadcast || saved.ScheduledStartTime == nil {
				continue
			}

			m.mu.Lock()
			if pending, ok := m.channels[ch]; ok && !slices.ContainsFunc(pending, func(v *Video) bool { return v.ID == saved.ID }) {
				m.channels[ch] = append(pending, saved)
				m.armLocked(ch, saved)
				restored++
			}
			m.mu.Unlock()
		}
	}

	read, err := m.state.Get(ctx, VideoStateKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		m.logger.Warn("missing video state, ignoring")
		read = &kv.Pair{Key: VideoStateKey, Value: map[string]any{}}
	case err != nil:
		return err
	}
	dumps, err := decodeDumps(read.Value["videos"])
	if err != nil {
		return fmt.Errorf("bad video state: %w", err)
	}

	m.mu.Lock()
	for _, d := range dumps {
		v, err := d.load()
		if err != nil {
			m.logger.Error("bad saved video", "error", err)
			continue
		}
		if _, ok := m.read[v.ID]; ok {
			continue
		}
		m.read[v.ID] = struct{}{}
		m.history = append(m.history, v)
	}
	m.updateGauges()
	channels, history := len(m.channels), len(m.history)
	m.mu.Unlock()

	m.logger.Info("recovered state", "channels", channels, "broadcasts", restored, "history", history)
	return nil
}
