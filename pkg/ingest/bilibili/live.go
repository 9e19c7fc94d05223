package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/suisei-cn/stargazer/pkg/bus"
	"github.com/suisei-cn/stargazer/pkg/ingest"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultLiveBaseURL = "https://api.live.bilibili.com"
	EventLive          = "bili_live"

	statusLive = 1
)

// Live start times are reported as wall clock time in Beijing.
var liveZone = time.FixedZone("CST", 8*60*60)

// RoomLink is the public page of a live room.
func RoomLink(roomID int64) string {
	return fmt.Sprintf("https://live.bilibili.com/%d", roomID)
}

// Live watches the live room of each uid and reports a room going live. The
// cursor is the Unix time the current live session started, so each session
// is announced once.
type Live struct {
	baseURL string
	client  *http.Client
	backoff *ingest.Backoff
	logger  *slog.Logger

	mu    sync.Mutex
	rooms map[string]int64
}

func NewLive(baseURL string, logger *slog.Logger) *Live {
	logger = logger.With("module", "bililive")
	base := strings.TrimSuffix(baseURL, "/")
	if base == "" {
		base = DefaultLiveBaseURL
	}
	return &Live{
		baseURL: base,
		client:  ingest.NewHTTPClient(),
		backoff: ingest.NewBackoff("bililive", logger),
		logger:  logger,
		rooms:   map[string]int64{},
	}
}

// LiveItem is a room that went live.
type LiveItem struct {
	RoomID  int64
	Title   string
	Cover   string
	Started time.Time
}

func (l *LiveItem) Event(subject string) bus.Event {
	images := []string{}
	if l.Cover != "" {
		images = append(images, l.Cover)
	}
	return bus.Event{
		Type:    EventLive,
		Subject: subject,
		Payload: map[string]any{
			"title":  l.Title,
			"link":   RoomLink(l.RoomID),
			"images": images,
		},
	}
}

type liveResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type livingData struct {
	URL string `json:"url"`
}

type roomInfo struct {
	RoomID     int64  `json:"room_id" validate:"gt=0"`
	UID        int64  `json:"uid"`
	LiveStatus int    `json:"live_status" validate:"gte=0,lte=2"`
	Title      string `json:"title"`
	UserCover  string `json:"user_cover"`
	Cover      string `json:"cover"`
	LiveTime   string `json:"live_time"`
}

// Fetch reports the room of uid when a live session newer than since is
// running. Users without a live room yield nothing.
func (l *Live) Fetch(ctx context.Context, uid string, since int64) (int64, []ingest.Item, error) {
	ctx, span := tracer.Start(ctx, "FetchLive")
	defer span.End()
	span.SetAttributes(attribute.String("uid", uid), attribute.Int64("since", since))

	if l.backoff.Active() {
		return since, nil, nil
	}

	roomID, err := l.room(ctx, uid)
	if err != nil {
		return since, nil, err
	}
	if roomID == 0 {
		l.logger.Debug("user has no live room", "uid", uid)
		return since, nil, nil
	}
	span.SetAttributes(attribute.Int64("room_id", roomID))

	var info roomInfo
	if err := l.get(ctx, "/room/v1/Room/get_info?room_id="+strconv.FormatInt(roomID, 10), &info); err != nil {
		return since, nil, err
	}
	if err := ingest.Validate(&info); err != nil {
		return since, nil, err
	}
	if info.LiveStatus != statusLive {
		return since, nil, nil
	}

	started, err := dateparse.ParseIn(info.LiveTime, liveZone)
	if err != nil {
		return since, nil, fmt.Errorf("%w: bad live_time %q: %s", ingest.ErrMalformed, info.LiveTime, err)
	}
	if started.Unix() <= since {
		return since, nil, nil
	}

	cover := info.UserCover
	if cover == "" {
		cover = info.Cover
	}
	l.logger.Info("room went live", "uid", uid, "room_id", roomID, "title", info.Title)
	return started.Unix(), []ingest.Item{&LiveItem{
		RoomID:  info.RoomID,
		Title:   info.Title,
		Cover:   cover,
		Started: started,
	}}, nil
}

// room resolves and caches the live room of uid. Zero means no room.
func (l *Live) room(ctx context.Context, uid string) (int64, error) {
	l.mu.Lock()
	id, ok := l.rooms[uid]
	l.mu.Unlock()
	if ok {
		return id, nil
	}

	var data livingData
	if err := l.get(ctx, "/bili/living_v2/"+url.PathEscape(uid), &data); err != nil {
		return 0, err
	}
	if data.URL == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(data.URL[strings.LastIndex(data.URL, "/")+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad room url %q", ingest.ErrMalformed, data.URL)
	}

	l.mu.Lock()
	l.rooms[uid] = id
	l.mu.Unlock()
	return id, nil
}

func (l *Live) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ingest.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ingest.ErrTransient, resp.StatusCode)
	}

	var r liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%w: %s", ingest.ErrMalformed, err)
	}
	if r.Code == codeThrottled {
		l.backoff.Pause(ThrottlePause)
		return ingest.ErrThrottled
	}
	if r.Code != 0 || len(r.Data) == 0 {
		return fmt.Errorf("%w: code %d: %s", ingest.ErrMalformed, r.Code, r.Message)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%w: %s", ingest.ErrMalformed, err)
	}
	return nil
}
