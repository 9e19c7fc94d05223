package bilibili

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suisei-cn/stargazer/pkg/ingest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func card(t *testing.T, typ int, id int64, body any) map[string]any {
	return map[string]any{
		"desc": map[string]any{"type": typ, "dynamic_id": id},
		"card": mustJSON(t, body),
	}
}

func plainBody(text string) map[string]any {
	return map[string]any{"item": map[string]any{"content": text}}
}

func forwardBody(t *testing.T, content string, origType int, origID int64, orig any) map[string]any {
	return map[string]any{
		"item":   map[string]any{"content": content, "orig_type": origType, "orig_dy_id": origID},
		"origin": mustJSON(t, orig),
	}
}

func serve(t *testing.T, payload any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dynamic_svr/v1/dynamic_svr/space_history", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("need_top"))
		_, _ = w.Write([]byte(mustJSON(t, payload)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchParsesCardTypes(t *testing.T) {
	cards := []any{
		card(t, 8, 500, map[string]any{"aid": 170001, "pic": "https://i0.hdslb.com/v.jpg", "title": "MV"}),
		card(t, 2, 400, map[string]any{"item": map[string]any{
			"description": "photos",
			"pictures":    []any{map[string]any{"img_src": "https://i0.hdslb.com/a.jpg"}},
		}}),
		card(t, 64, 300, map[string]any{"whatever": true}),
		card(t, 1, 200, forwardBody(t, "look", 4, 150, plainBody("original"))),
		card(t, 4, 100, plainBody("old")),
	}
	srv := serve(t, map[string]any{"code": 0, "data": map[string]any{"cards": cards}})

	b := New(srv.URL, testLogger())
	cursor, items, err := b.Fetch(context.Background(), "9034870", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(500), cursor)
	require.Len(t, items, 3)

	video := items[0].Event("suisei")
	assert.Equal(t, "bili_video", video.Type)
	assert.Equal(t, "https://www.bilibili.com/video/av170001", video.Payload["link"])
	assert.Equal(t, []string{"https://i0.hdslb.com/v.jpg"}, video.Payload["images"])

	photo := items[1].Event("suisei")
	assert.Equal(t, "bili_img_dyn", photo.Type)
	assert.Equal(t, "https://t.bilibili.com/400", photo.Payload["link"])

	fwd := items[2].Event("suisei")
	assert.Equal(t, "bili_rt_dyn", fwd.Type)
	assert.Equal(t, "look\nRT original", fwd.Payload["text"])
	assert.Equal(t, "https://t.bilibili.com/200", fwd.Payload["link"])
}

func TestFetchCapsCards(t *testing.T) {
	var cards []any
	for id := int64(20); id > 10; id-- {
		cards = append(cards, card(t, 4, id, plainBody("x")))
	}
	srv := serve(t, map[string]any{"code": 0, "data": map[string]any{"cards": cards}})

	cursor, items, err := New(srv.URL, testLogger()).Fetch(context.Background(), "1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(20), cursor)
	assert.Len(t, items, ingest.MaxItems)
}

func TestFetchSkipsMalformedCards(t *testing.T) {
	cards := []any{
		map[string]any{"desc": map[string]any{"type": 4}, "card": "{}"},
		card(t, 4, 30, map[string]any{"item": map[string]any{}}),
		card(t, 4, 20, plainBody("fine")),
	}
	srv := serve(t, map[string]any{"code": 0, "data": map[string]any{"cards": cards}})

	cursor, items, err := New(srv.URL, testLogger()).Fetch(context.Background(), "1", 10)
	require.NoError(t, err)
	// the poison card still advances the cursor
	assert.Equal(t, int64(30), cursor)
	require.Len(t, items, 1)
	assert.Equal(t, "fine", items[0].Event("s").Payload["text"])
}

func TestFetchThrottled(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"code": -412, "message": "request was banned", "data": null}`))
	}))
	defer srv.Close()

	b := New(srv.URL, testLogger())
	cursor, _, err := b.Fetch(context.Background(), "1", 42)
	assert.ErrorIs(t, err, ingest.ErrThrottled)
	assert.Equal(t, int64(42), cursor)

	cursor, items, err := b.Fetch(context.Background(), "1", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor)
	assert.Empty(t, items)
	assert.Equal(t, 1, calls)
}

func TestForwardDepthGuard(t *testing.T) {
	body := plainBody("root")
	typ := 4
	id := int64(1)
	// MaxForwardDepth+1 nested forwards
	for i := 0; i <= MaxForwardDepth; i++ {
		body = forwardBody(t, "fwd", typ, id, body)
		typ = 1
		id++
	}

	_, dyn, err := parseCard(json.RawMessage(mustJSON(t, card(t, 1, 100, body))))
	assert.ErrorIs(t, err, ingest.ErrMalformed)
	assert.Nil(t, dyn)
}

func TestForwardWithinDepth(t *testing.T) {
	body := forwardBody(t, "b", 1, 2, forwardBody(t, "a", 4, 1, plainBody("root")))
	id, dyn, err := parseCard(json.RawMessage(mustJSON(t, card(t, 1, 3, body))))
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	require.NotNil(t, dyn)
	assert.Equal(t, "b\nRT a\nRT root", dyn.Text)
}
