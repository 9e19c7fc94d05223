package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/failsafe-go/failsafe-go"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultHubURL = "https://pubsubhubbub.appspot.com/subscribe"
	LeaseSeconds  = 86400
)

// Hub issues WebSub subscription requests for channel feeds.
type Hub interface {
	Subscribe(ctx context.Context, channelID string) error
	Unsubscribe(ctx context.Context, channelID string) error
}

func TopicURL(channelID string) string {
	return "https://www.youtube.com/xml/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}

type HubClient struct {
	hubURL      string
	callbackURL string
	client      *http.Client
	retry       failsafe.Executor[*apiResponse]
	logger      *slog.Logger
}

// NewHubClient returns a hub client whose callback is <baseURL>/youtube_callback.
func NewHubClient(hubURL, baseURL string, client *http.Client, logger *slog.Logger) *HubClient {
	if hubURL == "" {
		hubURL = DefaultHubURL
	}
	return &HubClient{
		hubURL:      hubURL,
		callbackURL: strings.TrimSuffix(baseURL, "/") + "/youtube_callback",
		client:      client,
		retry:       newRetryExecutor(),
		logger:      logger.With("module", "youtube_hub"),
	}
}

func (h *HubClient) Subscribe(ctx context.Context, channelID string) error {
	return h.request(ctx, channelID, "subscribe")
}

func (h *HubClient) Unsubscribe(ctx context.Context, channelID string) error {
	return h.request(ctx, channelID, "unsubscribe")
}

func (h *HubClient) request(ctx context.Context, channelID, mode string) error {
	ctx, span := tracer.Start(ctx, "HubRequest")
	defer span.End()
	span.SetAttributes(attribute.String("channel_id", channelID), attribute.String("mode", mode))

	form := url.Values{}
	form.Set("hub.callback", h.callbackURL)
	form.Set("hub.topic", TopicURL(channelID))
	form.Set("hub.verify", "async")
	form.Set("hub.mode", mode)
	form.Set("hub.lease_seconds", fmt.Sprint(LeaseSeconds))

	resp, err := h.retry.WithContext(ctx).Get(func() (*apiResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.hubURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		res, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &apiResponse{status: res.StatusCode, body: body}, nil
	})
	hubRequests.WithLabelValues(mode, fetchResult(resp, err)).Inc()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("hub %s %s: %w", mode, channelID, err)
	}
	if resp.status >= 300 {
		return fmt.Errorf("hub %s %s: status %d: %s", mode, channelID, resp.status, resp.body)
	}
	h.logger.Info("hub request accepted", "mode", mode, "channel_id", channelID)
	return nil
}
