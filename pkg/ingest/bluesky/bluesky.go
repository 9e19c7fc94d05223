// Package bluesky polls author feeds through the app.bsky XRPC API.
package bluesky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/suisei-cn/stargazer/pkg/ingest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	DefaultHost = "https://public.api.bsky.app"

	// ThrottlePause is how long the ingester backs off after an HTTP 429.
	ThrottlePause = 5 * time.Minute
)

var tracer = otel.Tracer("bluesky")

type Bluesky struct {
	client  *xrpc.Client
	limiter *rate.Limiter
	backoff *ingest.Backoff
	logger  *slog.Logger
}

// New returns an ingester reading from host, limited to rps feed requests
// per second.
func New(host string, rps float64, logger *slog.Logger) *Bluesky {
	if host == "" {
		host = DefaultHost
	}
	return &Bluesky{
		client: &xrpc.Client{
			Client: ingest.NewHTTPClient(),
			Host:   strings.TrimSuffix(host, "/"),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		backoff: ingest.NewBackoff("bluesky", logger),
		logger:  logger.With("module", "bluesky"),
	}
}

// Fetch returns up to ingest.MaxItems posts and reposts of actor indexed
// after since, where cursors are Unix microseconds of the index time.
func (b *Bluesky) Fetch(ctx context.Context, actor string, since int64) (int64, []ingest.Item, error) {
	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("actor", actor), attribute.Int64("since", since))

	if b.backoff.Active() {
		return since, nil, nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return since, nil, fmt.Errorf("failed to wait on limiter: %w", err)
	}

	out, err := bsky.FeedGetAuthorFeed(ctx, b.client, actor, "", "posts_no_replies", 30)
	if err != nil {
		var xe *xrpc.Error
		if errors.As(err, &xe) && xe.StatusCode == http.StatusTooManyRequests {
			b.backoff.Pause(ThrottlePause)
			return since, nil, ingest.ErrThrottled
		}
		return since, nil, fmt.Errorf("%w: %s", ingest.ErrTransient, err)
	}

	cursor := since
	var items []ingest.Item
	for _, fvp := range out.Feed {
		post, err := b.parse(fvp)
		if err != nil {
			b.logger.Error("malformed feed item", "actor", actor, "error", err)
			continue
		}
		if post.ID <= since {
			continue
		}
		cursor = max(cursor, post.ID)
		if len(items) < ingest.MaxItems {
			items = append(items, post)
		}
	}
	return cursor, items, nil
}

func (b *Bluesky) parse(fvp *bsky.FeedDefs_FeedViewPost) (*ingest.Post, error) {
	if fvp == nil || fvp.Post == nil || fvp.Post.Record == nil {
		return nil, fmt.Errorf("%w: empty post", ingest.ErrMalformed)
	}
	rec, ok := fvp.Post.Record.Val.(*bsky.FeedPost)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected record type %T", ingest.ErrMalformed, fvp.Post.Record.Val)
	}

	typ := "bsky_post"
	indexedAt := fvp.Post.IndexedAt
	if fvp.Reason != nil && fvp.Reason.FeedDefs_ReasonRepost != nil {
		typ = "bsky_repost"
		indexedAt = fvp.Reason.FeedDefs_ReasonRepost.IndexedAt
	}
	ts, err := dateparse.ParseAny(indexedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad indexedAt %q: %s", ingest.ErrMalformed, indexedAt, err)
	}

	link, err := postLink(fvp.Post)
	if err != nil {
		return nil, err
	}

	images := []string{}
	if e := fvp.Post.Embed; e != nil {
		if e.EmbedImages_View != nil {
			for _, img := range e.EmbedImages_View.Images {
				images = append(images, img.Fullsize)
			}
		}
		if e.EmbedRecordWithMedia_View != nil && e.EmbedRecordWithMedia_View.Media != nil &&
			e.EmbedRecordWithMedia_View.Media.EmbedImages_View != nil {
			for _, img := range e.EmbedRecordWithMedia_View.Media.EmbedImages_View.Images {
				images = append(images, img.Fullsize)
			}
		}
	}

	return &ingest.Post{
		ID:     ts.UnixMicro(),
		Type:   typ,
		Text:   rec.Text,
		Images: images,
		Link:   link,
	}, nil
}

func postLink(pv *bsky.FeedDefs_PostView) (string, error) {
	uri, err := syntax.ParseATURI(pv.Uri)
	if err != nil {
		return "", fmt.Errorf("%w: bad post uri %q: %s", ingest.ErrMalformed, pv.Uri, err)
	}
	profile := uri.Authority().String()
	if pv.Author != nil && pv.Author.Handle != "" && pv.Author.Handle != "handle.invalid" {
		profile = pv.Author.Handle
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", profile, uri.RecordKey().String()), nil
}
