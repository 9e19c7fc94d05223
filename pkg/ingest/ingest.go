// Package ingest runs cursor-based polling passes over pull-style sources.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/suisei-cn/stargazer/pkg/bus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxItems caps the items one subject contributes to a single pass.
const MaxItems = 5

var (
	ErrThrottled = errors.New("throttled")
	ErrMalformed = errors.New("malformed response")
	ErrTransient = errors.New("transient network error")
)

// Ingester fetches the items of one subject newer than since. It returns the
// new cursor, which never moves backwards; with nothing new it returns
// (since, nil, nil).
type Ingester interface {
	Fetch(ctx context.Context, externalID string, since int64) (int64, []Item, error)
}

// Item is one fetched post that can be turned into an event.
type Item interface {
	Event(subject string) bus.Event
}

// Post is the item shape shared by the text-and-images sources.
type Post struct {
	ID     int64
	Type   string
	Text   string
	Images []string
	Link   string
}

func (p *Post) Event(subject string) bus.Event {
	images := p.Images
	if images == nil {
		images = []string{}
	}
	return bus.Event{
		Type:    p.Type,
		Subject: subject,
		Payload: map[string]any{
			"text":   p.Text,
			"images": images,
			"link":   p.Link,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a decoded item against its struct rules.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return nil
}

// NewHTTPClient returns the client the ingesters share.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
