// Package twitter polls user timelines of the Twitter v1.1 API.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/suisei-cn/stargazer/pkg/ingest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultBaseURL = "https://api.twitter.com"
	// ThrottlePause is how long the ingester backs off after an HTTP 429.
	ThrottlePause = 15 * time.Minute
)

var tracer = otel.Tracer("twitter")

type Config struct {
	BaseURL string
	// Token is a static app bearer token. When empty, ClientID and
	// ClientSecret are exchanged for one at <BaseURL>/oauth2/token.
	Token        string
	ClientID     string
	ClientSecret string
}

type Twitter struct {
	baseURL string
	client  *http.Client
	backoff *ingest.Backoff
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Twitter {
	logger = logger.With("module", "twitter")
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	client := ingest.NewHTTPClient()
	octx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
	switch {
	case cfg.Token != "":
		client = oauth2.NewClient(octx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	case cfg.ClientID != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     base + "/oauth2/token",
		}
		client = cc.Client(octx)
	default:
		logger.Warn("no twitter credentials configured, requests will be unauthenticated")
	}
	client.Timeout = 10 * time.Second

	return &Twitter{
		baseURL: base,
		client:  client,
		backoff: ingest.NewBackoff("twitter", logger),
		logger:  logger,
	}
}

type media struct {
	ID       int64  `json:"id" validate:"required"`
	MediaURL string `json:"media_url" validate:"required"`
	Type     string `json:"type" validate:"required"`
}

type tweet struct {
	ID       int64  `json:"id" validate:"required"`
	IDStr    string `json:"id_str" validate:"required"`
	Text     string `json:"text"`
	Entities *struct {
		Media []media `json:"media" validate:"dive"`
	} `json:"entities" validate:"required"`
	User *struct {
		ScreenName string `json:"screen_name" validate:"required"`
	} `json:"user" validate:"required"`
	RetweetedStatus json.RawMessage `json:"retweeted_status"`
}

func (t *tweet) post() *ingest.Post {
	p := &ingest.Post{
		ID:     t.ID,
		Type:   "t_tweet",
		Text:   t.Text,
		Images: []string{},
		Link:   fmt.Sprintf("https://twitter.com/%s/status/%d", t.User.ScreenName, t.ID),
	}
	if len(t.RetweetedStatus) > 0 && string(t.RetweetedStatus) != "null" {
		p.Type = "t_rt"
	}
	for _, m := range t.Entities.Media {
		if m.Type == "photo" {
			p.Images = append(p.Images, m.MediaURL)
		}
	}
	return p
}

// Fetch returns up to ingest.MaxItems tweets of userID newer than since,
// newest first.
func (tw *Twitter) Fetch(ctx context.Context, userID string, since int64) (int64, []ingest.Item, error) {
	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.Int64("since", since))

	if tw.backoff.Active() {
		return since, nil, nil
	}

	q := url.Values{}
	q.Set("user_id", userID)
	if since > 0 {
		q.Set("since_id", strconv.FormatInt(since, 10))
	}
	q.Set("exclude_replies", "true")
	q.Set("include_rts", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tw.baseURL+"/1.1/statuses/user_timeline.json?"+q.Encode(), nil)
	if err != nil {
		return since, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "stargazer/1.0")

	resp, err := tw.client.Do(req)
	if err != nil {
		return since, nil, fmt.Errorf("%w: %s", ingest.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		tw.backoff.Pause(ThrottlePause)
		return since, nil, ingest.ErrThrottled
	case resp.StatusCode >= 500:
		return since, nil, fmt.Errorf("%w: status %d", ingest.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return since, nil, fmt.Errorf("%w: status %d: %s", ingest.ErrMalformed, resp.StatusCode, body)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return since, nil, fmt.Errorf("%w: %s", ingest.ErrMalformed, err)
	}

	cursor := since
	var items []ingest.Item
	for _, r := range raw {
		var t tweet
		if err := json.Unmarshal(r, &t); err != nil {
			tw.logger.Error("malformed tweet", "user_id", userID, "error", err)
			continue
		}
		if err := ingest.Validate(&t); err != nil {
			tw.logger.Error("malformed tweet", "user_id", userID, "id", t.ID, "error", err)
			continue
		}
		if t.ID <= since {
			continue
		}
		cursor = max(cursor, t.ID)
		if len(items) < ingest.MaxItems {
			items = append(items, t.post())
		}
	}
	return cursor, items, nil
}
