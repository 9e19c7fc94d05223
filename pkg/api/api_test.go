package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suisei-cn/stargazer/pkg/kv"
)

const token = "s3cret"

type fixture struct {
	echo     *echo.Echo
	vtubers  *kv.Store
	configs  *kv.Store
	deleted  []string
	creating []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{echo: echo.New()}

	hooks := kv.NewHooks()
	hooks.OnCreate("vtubers", func(_ context.Context, p *kv.Pair) error {
		f.creating = append(f.creating, p.Key)
		return nil
	})
	hooks.OnDelete("vtubers", func(_ context.Context, p *kv.Pair) error {
		f.deleted = append(f.deleted, p.Key)
		return nil
	})
	f.vtubers = kv.NewStore("vtubers", kv.NewMemory(), hooks, logger)
	f.configs = kv.NewStore("configs", kv.NewMemory(), hooks, logger)

	a := NewAPI(logger, token, f.vtubers, f.configs)
	a.AddHelp("youtube", Help{Field: "youtube", Options: []string{"video_disabled", "live_disabled"}})
	a.Routes(f.echo)
	return f
}

func (f *fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/vtubers", "suisei", true)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/api/vtubers/suisei", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, []string{"suisei"}, f.creating)

	rec = f.do(http.MethodPost, "/api/vtubers", "suisei", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.do(http.MethodPost, "/api/vtubers", "miko", true)
	rec = f.do(http.MethodGet, "/api/vtubers", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Equal(t, []string{"miko", "suisei"}, keys)

	rec = f.do(http.MethodPost, "/api/vtubers", "  ", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownTable(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/state", "", false).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/state/twitter_since", "", false).Code)
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/vtubers", "suisei", false).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/vtubers", strings.NewReader("suisei"))
	req.Header.Set(echo.HeaderAuthorization, "Bearer wrong")
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err := f.vtubers.Get(context.Background(), "suisei")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestEmptyTokenRejects(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	NewAPI(logger, "", kv.NewStore("vtubers", kv.NewMemory(), nil, logger)).Routes(e)

	req := httptest.NewRequest(http.MethodPost, "/api/vtubers", strings.NewReader("suisei"))
	req.Header.Set(echo.HeaderAuthorization, "Bearer ")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFields(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/vtubers", "suisei", true).Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/vtubers/suisei/youtube", "", false).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/api/vtubers/nobody/youtube", "UC1", true).Code)

	rec := f.do(http.MethodPut, "/api/vtubers/suisei/youtube", "UC5CwaMl1eIgY8h02uZw7u8A", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/vtubers/suisei/youtube", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"UC5CwaMl1eIgY8h02uZw7u8A"`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/vtubers/suisei", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"youtube":"UC5CwaMl1eIgY8h02uZw7u8A"}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/vtubers/suisei/key", "x", true).Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/vtubers/suisei/youtube", "", true).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/vtubers/suisei/youtube", "", true).Code)

	p, err := f.vtubers.Get(context.Background(), "suisei")
	require.NoError(t, err)
	assert.Empty(t, p.Value)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/vtubers", "suisei", true).Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/vtubers/suisei", "", true).Code)
	assert.Equal(t, []string{"suisei"}, f.deleted)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/vtubers/suisei", "", true).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/vtubers/suisei", "", false).Code)
}

func TestHelp(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/help/youtube", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Field: youtube\nConfigs[/configs/youtube]:\n  video_disabled live_disabled", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/help/myspace", "", false).Code)
}
