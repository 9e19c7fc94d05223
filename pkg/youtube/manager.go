// Package youtube tracks YouTube channels through WebSub push notifications
// and follows scheduled broadcasts until they go live.
package youtube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/suisei-cn/stargazer/pkg/bus"
	"github.com/suisei-cn/stargazer/pkg/ingest"
	"github.com/suisei-cn/stargazer/pkg/kv"
	"github.com/suisei-cn/stargazer/pkg/reminder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("youtube")

var (
	ErrNotFound = errors.New("channel not found")
	ErrConflict = errors.New("channel already subscribed")
)

const (
	TickInterval          = time.Minute
	RenewInterval         = 8 * time.Hour
	SnapshotInterval      = time.Minute
	InitialSubscribeDelay = 5 * time.Second

	// ReminderLead is how long before the scheduled start a reminder fires.
	ReminderLead = 30 * time.Minute
	// DueWindow is how far ahead of its scheduled start a broadcast is
	// re-fetched on every tick.
	DueWindow = 10 * time.Minute
	// LiveWindow is how recent an actual start must be to announce it.
	LiveWindow = 3 * time.Hour

	Field = "youtube"
)

// Manager owns the subscription state: tracked channels with their pending
// broadcasts, and the history of announced videos. State is only mutated
// under mu; network calls and dispatch happen outside it.
type Manager struct {
	logger    *slog.Logger
	bus       *bus.Bus
	profiles  *kv.Store
	configs   *kv.Store
	state     *kv.Store
	details   DetailFetcher
	hub       Hub
	reminders *reminder.Scheduler
	now       func() time.Time

	mu       sync.Mutex
	channels map[string][]*Video
	history  []*Video
	read     map[string]struct{}
}

func NewManager(
	logger *slog.Logger,
	b *bus.Bus,
	profiles, configs, state *kv.Store,
	details DetailFetcher,
	hub Hub,
	reminders *reminder.Scheduler,
) *Manager {
	return &Manager{
		logger:    logger.With("module", "youtube"),
		bus:       b,
		profiles:  profiles,
		configs:   configs,
		state:     state,
		details:   details,
		hub:       hub,
		reminders: reminders,
		now:       time.Now,
		channels:  map[string][]*Video{},
		read:      map[string]struct{}{},
	}
}

func reminderKey(channelID, videoID string) string {
	return fmt.Sprintf("reminder_%s_%s", channelID, videoID)
}

// notice is an event waiting to be dispatched once the lock is released.
type notice struct {
	kind    string
	channel string
	video   Video
}

func (m *Manager) updateGauges() {
	n := 0
	for _, videos := range m.channels {
		n += len(videos)
	}
	channelsTracked.Set(float64(len(m.channels)))
	videosPending.Set(float64(n))
}

// Subscribe starts tracking a channel and asks the hub for its feed.
func (m *Manager) Subscribe(ctx context.Context, channelID string) error {
	ctx, span := tracer.Start(ctx, "Subscribe")
	defer span.End()
	span.SetAttributes(attribute.String("channel_id", channelID))

	m.mu.Lock()
	if _, ok := m.channels[channelID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", channelID, ErrConflict)
	}
	m.channels[channelID] = []*Video{}
	m.updateGauges()
	m.mu.Unlock()

	m.logger.Info("subscribing", "channel_id", channelID)
	if err := m.hub.Subscribe(ctx, channelID); err != nil {
		// the channel stays tracked so the next renewal retries it
		return fmt.Errorf("failed to subscribe %s: %w", channelID, err)
	}
	return nil
}

// Unsubscribe stops tracking a channel, cancels the reminders of its pending
// broadcasts and asks the hub to drop the feed.
func (m *Manager) Unsubscribe(ctx context.Context, channelID string) error {
	ctx, span := tracer.Start(ctx, "Unsubscribe")
	defer span.End()
	span.SetAttributes(attribute.String("channel_id", channelID))

	m.mu.Lock()
	videos, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", channelID, ErrNotFound)
	}
	for _, v := range videos {
		m.reminders.Cancel(reminderKey(channelID, v.ID))
	}
	delete(m.channels, channelID)
	m.updateGauges()
	m.mu.Unlock()

	m.logger.Info("unsubscribing", "channel_id", channelID)
	if err := m.hub.Unsubscribe(ctx, channelID); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", channelID, err)
	}
	return nil
}

// Tracked lists the subscribed channels.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Pending returns copies of the pending broadcasts of a channel.
func (m *Manager) Pending(channelID string) []Video {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Video, 0, len(m.channels[channelID]))
	for _, v := range m.channels[channelID] {
		out = append(out, *v)
	}
	return out
}

// Renew re-issues the subscribe request of every tracked channel.
func (m *Manager) Renew(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Renew")
	defer span.End()

	channels := m.Tracked()
	m.logger.Info("renewing subscriptions", "channels", len(channels))

	errs := make([]error, len(channels))
	var g errgroup.Group
	g.SetLimit(4)
	for i, ch := range channels {
		g.Go(func() error {
			errs[i] = m.hub.Subscribe(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Verify answers a hub verification request. It returns the challenge when
// the request matches the tracked state and ErrNotFound otherwise.
func (m *Manager) Verify(topic, challenge, mode string) (string, error) {
	u, err := url.Parse(topic)
	if err != nil {
		return "", fmt.Errorf("bad topic %q: %w", topic, ErrNotFound)
	}
	channelID := u.Query().Get("channel_id")

	m.mu.Lock()
	_, tracked := m.channels[channelID]
	m.mu.Unlock()

	accept := (mode == "subscribe" && tracked) || (mode == "unsubscribe" && !tracked)
	if channelID == "" || !accept {
		m.logger.Info("rejecting verification", "mode", mode, "channel_id", channelID)
		return "", fmt.Errorf("%s %s: %w", mode, channelID, ErrNotFound)
	}
	m.logger.Info("accepting verification", "mode", mode, "channel_id", channelID)
	return challenge, nil
}

// Notify handles a push notification body.
func (m *Manager) Notify(ctx context.Context, body []byte) error {
	ctx, span := tracer.Start(ctx, "Notify")
	defer span.End()

	if bytes.Contains(body, []byte("deleted-entry")) {
		notifications.WithLabelValues("deleted").Inc()
		return nil
	}

	e, err := parseEntry(string(body))
	if err != nil {
		notifications.WithLabelValues("malformed").Inc()
		return err
	}
	span.SetAttributes(attribute.String("channel_id", e.ChannelID), attribute.String("video_id", e.VideoID))

	m.mu.Lock()
	_, tracked := m.channels[e.ChannelID]
	m.mu.Unlock()
	if !tracked {
		notifications.WithLabelValues("untracked").Inc()
		m.logger.Warn("notification for untracked channel, ignoring", "channel_id", e.ChannelID, "video_id", e.VideoID)
		return nil
	}

	m.logger.Info("adding video", "channel_id", e.ChannelID, "video_id", e.VideoID, "title", e.Title)
	video, err := m.details.Fetch(ctx, e.VideoID)
	if err != nil {
		notifications.WithLabelValues("fetch_failed").Inc()
		if errors.Is(err, ingest.ErrTransient) {
			// the hub redelivers on a non-2xx answer
			m.logger.Error("query failure, requesting redelivery", "video_id", e.VideoID, "error", err)
			return err
		}
		m.logger.Warn("query failure, ignoring", "video_id", e.VideoID, "error", err)
		return nil
	}

	m.mu.Lock()
	notices := m.applyLocked(e.ChannelID, video)
	m.updateGauges()
	m.mu.Unlock()

	notifications.WithLabelValues("ok").Inc()
	m.emit(ctx, notices...)
	return nil
}

func (m *Manager) applyLocked(channelID string, video *Video) []notice {
	if _, ok := m.channels[channelID]; !ok {
		m.logger.Info("channel no longer tracked, ignoring", "channel_id", channelID, "video_id", video.ID)
		return nil
	}
	switch {
	case video.Type == TypeVideo:
		if _, ok := m.read[video.ID]; ok {
			m.logger.Info("duplicate video, ignoring", "video_id", video.ID)
			return nil
		}
		m.read[video.ID] = struct{}{}
		m.history = append(m.history, video)
		return []notice{{kind: EventPublish, channel: channelID, video: *video}}

	case video.ActualStartTime != nil:
		// already live; the tick announces tracked broadcasts
		return nil

	case video.ScheduledStartTime == nil:
		m.logger.Warn("malformed broadcast: missing scheduled start time", "video_id", video.ID)
		return nil
	}

	pending := m.channels[channelID]
	idx := slices.IndexFunc(pending, func(v *Video) bool { return v.ID == video.ID })
	if idx >= 0 {
		existing := pending[idx]
		if existing.Title == video.Title && existing.ScheduledStartTime.Equal(*video.ScheduledStartTime) {
			m.logger.Info("duplicate broadcast, ignoring", "video_id", video.ID)
			return nil
		}
		m.logger.Info("merging new state into existing entry", "video_id", video.ID)
		existing.merge(video)
		video = existing
	} else {
		m.channels[channelID] = append(pending, video)
	}

	m.armLocked(channelID, video)
	return []notice{{kind: EventSchedule, channel: channelID, video: *video}}
}

// armLocked (re-)arms the reminder of a pending broadcast. A reminder time
// already in the past only clears an older reminder.
func (m *Manager) armLocked(channelID string, video *Video) {
	key := reminderKey(channelID, video.ID)
	at := video.ScheduledStartTime.Add(-ReminderLead)
	if !at.After(m.now()) {
		m.reminders.Cancel(key)
		return
	}
	videoID := video.ID
	m.reminders.Schedule(key, at, func(ctx context.Context) {
		m.remind(ctx, channelID, videoID)
	})
}

func (m *Manager) remind(ctx context.Context, channelID, videoID string) {
	m.mu.Lock()
	var n []notice
	for _, v := range m.channels[channelID] {
		if v.ID == videoID {
			n = append(n, notice{kind: EventReminder, channel: channelID, video: *v})
			break
		}
	}
	m.mu.Unlock()
	m.emit(ctx, n...)
}

type ref struct {
	channel string
	id      string
}

// Tick re-fetches pending broadcasts that are due, announces those that went
// live and drops those that failed or are stale.
func (m *Manager) Tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Tick")
	defer span.End()

	now := m.now()
	var due []ref

	m.mu.Lock()
	for ch, videos := range m.channels {
		kept := videos[:0]
		for _, v := range videos {
			if v.ScheduledStartTime == nil {
				m.logger.Warn("dropping broadcast without scheduled start time", "video_id", v.ID)
				m.reminders.Cancel(reminderKey(ch, v.ID))
				continue
			}
			kept = append(kept, v)
			if v.ScheduledStartTime.Before(now.Add(DueWindow)) {
				due = append(due, ref{channel: ch, id: v.ID})
			}
		}
		m.channels[ch] = kept
	}
	m.mu.Unlock()
	span.SetAttributes(attribute.Int("due", len(due)))

	type fetched struct {
		video *Video
		err   error
	}
	results := make([]fetched, len(due))
	var g errgroup.Group
	g.SetLimit(8)
	for i, r := range due {
		g.Go(func() error {
			v, err := m.details.Fetch(ctx, r.id)
			results[i] = fetched{video: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var notices []notice
	m.mu.Lock()
	for i, r := range due {
		videos := m.channels[r.channel]
		idx := slices.IndexFunc(videos, func(v *Video) bool { return v.ID == r.id })
		if idx < 0 {
			continue
		}
		drop := func() {
			m.reminders.Cancel(reminderKey(r.channel, r.id))
			m.channels[r.channel] = slices.Delete(videos, idx, idx+1)
		}

		res := results[i]
		switch {
		case res.err != nil:
			m.logger.Warn("dropping broadcast after failed fetch", "video_id", r.id, "error", res.err)
			drop()
		case res.video.ActualStartTime != nil:
			videos[idx].merge(res.video)
			if now.Sub(*res.video.ActualStartTime) < LiveWindow {
				notices = append(notices, notice{kind: EventLive, channel: r.channel, video: *videos[idx]})
			} else {
				m.logger.Info("dropping stale broadcast", "video_id", r.id)
			}
			drop()
		case res.video.Type != TypeBroadcast:
			m.logger.Info("dropping broadcast that is no longer live content", "video_id", r.id)
			drop()
		default:
			videos[idx].merge(res.video)
		}
	}
	m.updateGauges()
	m.mu.Unlock()

	m.emit(ctx, notices...)
}

// Start registers the recurring jobs and the initial subscription.
func (m *Manager) Start(ctx context.Context) {
	m.reminders.Every("ytb_tick", TickInterval, m.Tick)
	m.reminders.Every("ytb_renewal", RenewInterval, func(ctx context.Context) {
		if err := m.Renew(ctx); err != nil {
			m.logger.Error("failed to renew subscriptions", "error", err)
		}
	})
	m.reminders.Every("ytb_snapshot", SnapshotInterval, func(ctx context.Context) {
		if err := m.Snapshot(ctx); err != nil {
			m.logger.Error("failed to write snapshot", "error", err)
		}
	})
	// delayed so the callback endpoint is serving before the hub verifies
	m.reminders.Schedule("ytb_init_subscribe", m.now().Add(InitialSubscribeDelay), func(ctx context.Context) {
		if err := m.Renew(ctx); err != nil {
			m.logger.Error("initial subscribe failed", "error", err)
		}
		m.logger.Info("initial subscribe finished")
	})
}

// Shutdown cancels the manager's jobs and reminders and writes a final
// snapshot.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, name := range []string{"ytb_tick", "ytb_renewal", "ytb_snapshot", "ytb_init_subscribe"} {
		m.reminders.Cancel(name)
	}
	m.mu.Lock()
	for ch, videos := range m.channels {
		for _, v := range videos {
			m.reminders.Cancel(reminderKey(ch, v.ID))
		}
	}
	m.mu.Unlock()
	return m.Snapshot(ctx)
}
