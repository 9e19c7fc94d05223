package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/suisei-cn/stargazer/pkg/ingest"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const DefaultAPIURL = "https://www.googleapis.com"

// DetailFetcher fetches the current details of a video.
type DetailFetcher interface {
	Fetch(ctx context.Context, videoID string) (*Video, error)
}

// apiResponse is a fully read HTTP response.
type apiResponse struct {
	status int
	body   []byte
}

func newRetryExecutor() failsafe.Executor[*apiResponse] {
	policy := retrypolicy.NewBuilder[*apiResponse]().
		HandleIf(func(r *apiResponse, err error) bool {
			return err != nil || (r != nil && r.status >= 500)
		}).
		WithBackoff(500*time.Millisecond, 10*time.Second).
		WithMaxRetries(5).
		WithJitterFactor(0.1).
		Build()
	return failsafe.With(policy)
}

// DetailClient queries the YouTube Data API videos endpoint, cycling through
// its API keys one request at a time.
type DetailClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retry   failsafe.Executor[*apiResponse]
	logger  *slog.Logger

	mu   sync.Mutex
	keys []string
	next int
}

func NewDetailClient(baseURL string, keys []string, client *http.Client, logger *slog.Logger) *DetailClient {
	logger = logger.With("module", "youtube_details")
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &DetailClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		retry:   newRetryExecutor(),
		logger:  logger,
		keys:    keys,
	}
}

func (c *DetailClient) key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) == 0 {
		return ""
	}
	k := c.keys[c.next]
	c.next = (c.next + 1) % len(c.keys)
	return k
}

type videosResponse struct {
	Items []struct {
		Snippet *struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Thumbnails  map[string]struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		LiveStreamingDetails *struct {
			ScheduledStartTime string `json:"scheduledStartTime"`
			ActualStartTime    string `json:"actualStartTime"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

func (c *DetailClient) Fetch(ctx context.Context, videoID string) (*Video, error) {
	ctx, span := tracer.Start(ctx, "FetchDetails")
	defer span.End()
	span.SetAttributes(attribute.String("video_id", videoID))

	resp, err := c.retry.WithContext(ctx).Get(func() (*apiResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		q := url.Values{}
		q.Set("part", "liveStreamingDetails,snippet")
		q.Set("fields", "items(liveStreamingDetails,snippet)")
		q.Set("id", videoID)
		q.Set("key", c.key())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/youtube/v3/videos?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		res, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		return &apiResponse{status: res.StatusCode, body: body}, nil
	})
	detailFetches.WithLabelValues(fetchResult(resp, err)).Inc()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: video %s: %s", ingest.ErrTransient, videoID, err)
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("%w: video %s: status %d", ingest.ErrMalformed, videoID, resp.status)
	}

	var r videosResponse
	if err := json.Unmarshal(resp.body, &r); err != nil {
		return nil, fmt.Errorf("%w: video %s: %s", ingest.ErrMalformed, videoID, err)
	}
	if len(r.Items) == 0 {
		return nil, fmt.Errorf("%w: video %s: no items", ingest.ErrMalformed, videoID)
	}
	item := r.Items[0]

	v := NewVideo(videoID)
	if s := item.Snippet; s != nil {
		v.Title = s.Title
		v.Description = s.Description + " ..."
		v.Thumbnail = s.Thumbnails["standard"].URL
	}

	v.Type = TypeVideo
	if live := item.LiveStreamingDetails; live != nil {
		v.Type = TypeBroadcast
		if v.ScheduledStartTime, err = parseTime(live.ScheduledStartTime); err != nil {
			return nil, fmt.Errorf("%w: video %s: %s", ingest.ErrMalformed, videoID, err)
		}
		if v.ActualStartTime, err = parseTime(live.ActualStartTime); err != nil {
			return nil, fmt.Errorf("%w: video %s: %s", ingest.ErrMalformed, videoID, err)
		}
	}
	return v, nil
}

func fetchResult(r *apiResponse, err error) string {
	switch {
	case err != nil:
		return "error"
	case r.status != http.StatusOK:
		return "bad_status"
	default:
		return "ok"
	}
}

// parseTime parses an ISO-8601 timestamp into local time. Empty is nil.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil, err
	}
	t = t.In(time.Local)
	return &t, nil
}
