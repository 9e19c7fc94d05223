package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suisei-cn/stargazer/pkg/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent() bus.Event {
	return bus.Event{
		Type:    "t_tweet",
		Subject: "suisei",
		Payload: map[string]any{
			"text":   "hello",
			"images": []string{},
			"link":   "https://twitter.com/suisei_hosimati/status/1",
		},
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(testLogger())
	e := echo.New()
	e.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Dispatch(context.Background(), testEvent()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "t_tweet", got["type"])
	assert.Equal(t, "suisei", got["vtuber"])
	assert.Equal(t, "hello", got["data"].(map[string]any)["text"])

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubWithoutClients(t *testing.T) {
	hub := NewHub(testLogger())
	assert.NoError(t, hub.Dispatch(context.Background(), testEvent()))
	hub.Close()
}

func TestEventRecord(t *testing.T) {
	r, err := eventRecord("events", testEvent())
	require.NoError(t, err)
	assert.Equal(t, "events", r.Topic)
	assert.Equal(t, []byte("suisei"), r.Key)
	require.Len(t, r.Headers, 1)
	assert.Equal(t, "event_type", r.Headers[0].Key)
	assert.Equal(t, []byte("t_tweet"), r.Headers[0].Value)
	assert.JSONEq(t, `{"type":"t_tweet","vtuber":"suisei","data":{"text":"hello","images":[],"link":"https://twitter.com/suisei_hosimati/status/1"}}`, string(r.Value))
}

func TestNewRecord(t *testing.T) {
	at := time.Date(2020, 3, 22, 12, 0, 0, 0, time.UTC)
	r, err := NewRecord(testEvent(), at)
	require.NoError(t, err)
	assert.Equal(t, at, r.CreatedAt)
	assert.Equal(t, "https://twitter.com/suisei_hosimati/status/1", r.Link)
	assert.True(t, r.Payload.Valid)
	assert.JSONEq(t, `{"text":"hello","images":[],"link":"https://twitter.com/suisei_hosimati/status/1"}`, r.Payload.JSONVal)

	pr := r.Parquet()
	assert.Equal(t, at.UnixMicro(), pr.CreatedAt)
	assert.Equal(t, r.Payload.JSONVal, pr.Payload)
}

func TestRecordSchema(t *testing.T) {
	schema, err := bigquery.InferSchema(Record{})
	require.NoError(t, err)
	var names []string
	for _, f := range schema {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"created_at", "type", "subject", "link", "payload"}, names)
}

func TestParquetArchive(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParquet(testLogger(), dir, "events", 100, time.Hour)
	require.NoError(t, err)
	p.StartWriter()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Dispatch(context.Background(), testEvent()))
	}
	p.Shutdown()

	files, err := filepath.Glob(filepath.Join(dir, "events_*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, err := parquet.ReadFile[ParquetRecord](files[0])
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "suisei", rows[0].Subject)
	assert.Equal(t, "t_tweet", rows[0].Type)
}

func TestParquetBatchSize(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParquet(testLogger(), dir, "events", 2, time.Hour)
	require.NoError(t, err)
	p.StartWriter()

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Dispatch(context.Background(), testEvent()))
	}
	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(dir)
		return len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	p.Shutdown()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "nothing left to flush on shutdown")
}
