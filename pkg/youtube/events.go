package youtube

import (
	"context"

	"github.com/suisei-cn/stargazer/pkg/bus"
)

const (
	EventPublish  = "ytb_video"
	EventSchedule = "ytb_sched"
	EventReminder = "ytb_reminder"
	EventLive     = "ytb_live"

	// TimeFormat renders start times in event payloads.
	TimeFormat = "2006-01-02 03:04PM (MST)"
)

// switches maps event types to the configs/youtube option disabling them.
var switches = map[string]string{
	EventPublish:  "video_disabled",
	EventSchedule: "schedule_disabled",
	EventReminder: "reminder_disabled",
	EventLive:     "live_disabled",
}

func payload(kind string, v *Video) map[string]any {
	images := []string{}
	if kind != EventSchedule && v.Thumbnail != "" {
		images = append(images, v.Thumbnail)
	}
	body := map[string]any{
		"title":       v.Title,
		"description": v.Description,
		"link":        v.Link,
		"images":      images,
	}
	if v.ScheduledStartTime != nil {
		body["scheduled_start_time"] = v.ScheduledStartTime.Local().Format(TimeFormat)
	}
	if v.ActualStartTime != nil {
		body["actual_start_time"] = v.ActualStartTime.Local().Format(TimeFormat)
	}
	return body
}

// subject finds the profile key tracking channelID.
func (m *Manager) subject(ctx context.Context, channelID string) (string, error) {
	for p, err := range m.profiles.HasField(ctx, Field) {
		if err != nil {
			return "", err
		}
		if ch, _ := p.String(Field); ch == channelID {
			return p.Key, nil
		}
	}
	return "", nil
}

func (m *Manager) emit(ctx context.Context, notices ...notice) {
	for _, n := range notices {
		if opt, ok := switches[n.kind]; ok {
			disabled, err := m.configs.Option(ctx, Field, opt)
			if err != nil {
				m.logger.Error("failed to read youtube options", "error", err)
			}
			if disabled {
				m.logger.Debug("event disabled", "type", n.kind)
				continue
			}
		}

		subject, err := m.subject(ctx, n.channel)
		if err != nil {
			m.logger.Error("failed to look up profile", "channel_id", n.channel, "error", err)
			continue
		}
		if subject == "" {
			m.logger.Warn("no profile for channel, dropping event", "channel_id", n.channel, "type", n.kind)
			continue
		}

		m.bus.Dispatch(ctx, bus.Event{
			Type:    n.kind,
			Subject: subject,
			Payload: payload(n.kind, &n.video),
		})
	}
}
