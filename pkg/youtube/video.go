package youtube

import (
	"encoding/json"
	"fmt"
	"time"
)

type ResourceType string

const (
	TypeVideo     ResourceType = "VIDEO"
	TypeBroadcast ResourceType = "BROADCAST"
)

// Video is an uploaded video or a (scheduled) broadcast.
type Video struct {
	ID                 string
	Title              string
	Link               string
	Type               ResourceType
	Description        string
	Thumbnail          string
	ScheduledStartTime *time.Time
	ActualStartTime    *time.Time
}

func NewVideo(id string) *Video {
	return &Video{ID: id, Link: VideoLink(id)}
}

func VideoLink(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// merge copies a fresh fetch of the same video into v. A start time the
// fresh copy lacks is kept.
func (v *Video) merge(fresh *Video) {
	scheduled, actual := v.ScheduledStartTime, v.ActualStartTime
	*v = *fresh
	if v.ScheduledStartTime == nil {
		v.ScheduledStartTime = scheduled
	}
	if v.ActualStartTime == nil {
		v.ActualStartTime = actual
	}
}

// videoDump is the persisted form of a Video. Times are epoch seconds.
type videoDump struct {
	VideoID            string   `json:"video_id"`
	Title              string   `json:"title"`
	Link               string   `json:"link"`
	Type               string   `json:"type"`
	Description        string   `json:"description"`
	Thumbnail          string   `json:"thumbnail"`
	ScheduledStartTime *float64 `json:"scheduled_start_time"`
	ActualStartTime    *float64 `json:"actual_start_time"`
}

func epoch(t *time.Time) *float64 {
	if t == nil {
		return nil
	}
	s := float64(t.UnixMilli()) / 1000
	return &s
}

func fromEpoch(s *float64) *time.Time {
	if s == nil {
		return nil
	}
	t := time.UnixMilli(int64(*s * 1000)).In(time.Local)
	return &t
}

func (v *Video) dump() videoDump {
	return videoDump{
		VideoID:            v.ID,
		Title:              v.Title,
		Link:               v.Link,
		Type:               string(v.Type),
		Description:        v.Description,
		Thumbnail:          v.Thumbnail,
		ScheduledStartTime: epoch(v.ScheduledStartTime),
		ActualStartTime:    epoch(v.ActualStartTime),
	}
}

func (d videoDump) load() (*Video, error) {
	if d.VideoID == "" {
		return nil, fmt.Errorf("video dump without id")
	}
	typ := ResourceType(d.Type)
	if typ != TypeVideo && typ != TypeBroadcast {
		return nil, fmt.Errorf("video %s has unknown type %q", d.VideoID, d.Type)
	}
	return &Video{
		ID:                 d.VideoID,
		Title:              d.Title,
		Link:               VideoLink(d.VideoID),
		Type:               typ,
		Description:        d.Description,
		Thumbnail:          d.Thumbnail,
		ScheduledStartTime: fromEpoch(d.ScheduledStartTime),
		ActualStartTime:    fromEpoch(d.ActualStartTime),
	}, nil
}

// decodeDumps reads a list of dumps out of a normalized store value.
func decodeDumps(v any) ([]videoDump, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []videoDump
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
