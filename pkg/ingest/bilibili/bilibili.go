// Package bilibili polls a user's dynamics from the Bilibili space history
// API.
package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/suisei-cn/stargazer/pkg/ingest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultBaseURL = "https://api.vc.bilibili.com"
	// ThrottlePause is how long the ingester backs off after code -412.
	ThrottlePause = 30 * time.Minute
	// MaxForwardDepth bounds how many nested forwards are followed.
	MaxForwardDepth = 4

	codeThrottled = -412
	userAgent     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/83.0.4103.61 Safari/537.36"
)

var tracer = otel.Tracer("bilibili")

type Bilibili struct {
	baseURL string
	client  *http.Client
	backoff *ingest.Backoff
	logger  *slog.Logger
}

func New(baseURL string, logger *slog.Logger) *Bilibili {
	logger = logger.With("module", "bilibili")
	base := strings.TrimSuffix(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Bilibili{
		baseURL: base,
		client:  ingest.NewHTTPClient(),
		backoff: ingest.NewBackoff("bilibili", logger),
		logger:  logger,
	}
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Cards []json.RawMessage `json:"cards"`
	} `json:"data"`
}

// Fetch walks the newest cards of uid, stopping at the first card not newer
// than since or after ingest.MaxItems cards. Cards that fail to parse are
// skipped but still advance the cursor when their id is known.
func (b *Bilibili) Fetch(ctx context.Context, uid string, since int64) (int64, []ingest.Item, error) {
	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("uid", uid), attribute.Int64("since", since))

	if b.backoff.Active() {
		return since, nil, nil
	}

	q := url.Values{}
	q.Set("visitor_uid", "0")
	q.Set("host_uid", uid)
	q.Set("offset_dynamic_id", "0")
	q.Set("need_top", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/dynamic_svr/v1/dynamic_svr/space_history?"+q.Encode(), nil)
	if err != nil {
		return since, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return since, nil, fmt.Errorf("%w: %s", ingest.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return since, nil, fmt.Errorf("%w: status %d", ingest.ErrTransient, resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return since, nil, fmt.Errorf("%w: %s", ingest.ErrMalformed, err)
	}
	if r.Code == codeThrottled {
		b.backoff.Pause(ThrottlePause)
		return since, nil, ingest.ErrThrottled
	}
	if r.Data == nil {
		return since, nil, fmt.Errorf("%w: code %d: %s", ingest.ErrMalformed, r.Code, r.Message)
	}

	cursor := since
	var items []ingest.Item
	seen := 0
	for _, raw := range r.Data.Cards {
		id, dyn, err := parseCard(raw)
		if err != nil {
			b.logger.Error("malformed dynamic", "uid", uid, "dynamic_id", id, "error", err)
		}
		if id == 0 {
			continue
		}
		if id <= since {
			break
		}
		cursor = max(cursor, id)
		if dyn != nil {
			items = append(items, dyn)
		}
		seen++
		if seen == ingest.MaxItems {
			break
		}
	}
	return cursor, items, nil
}
