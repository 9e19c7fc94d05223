package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchIsolatesFailures(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var got []string
	b.Register("first", func(_ context.Context, evt Event) error {
		got = append(got, "first:"+evt.Type)
		return errors.New("boom")
	})
	b.Register("panicky", func(context.Context, Event) error {
		panic("nil map")
	})
	b.Register("last", func(_ context.Context, evt Event) error {
		got = append(got, "last:"+evt.Type)
		return nil
	})

	assert.NotPanics(t, func() {
		b.Dispatch(context.Background(), Event{Type: "t_tweet", Subject: "suisei"})
	})
	assert.Equal(t, []string{"first:t_tweet", "last:t_tweet"}, got)
}

func TestDispatchWithoutDispatchers(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		b.Dispatch(context.Background(), Event{Type: "ytb_live"})
	})
}

func TestEventJSON(t *testing.T) {
	raw, err := json.Marshal(Event{Type: "bili_plain_dyn", Subject: "suisei", Payload: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"bili_plain_dyn","vtuber":"suisei","data":{"text":"hi"}}`, string(raw))
}
