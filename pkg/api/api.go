// Package api serves the creator profile tables over HTTP.
package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/suisei-cn/stargazer/pkg/kv"
)

const maxBodySize = 64 << 10

// Help describes the profile field and config switches of a platform.
type Help struct {
	Field   string
	Options []string
}

func (h Help) String() string {
	return fmt.Sprintf("Field: %s\nConfigs[/configs/%s]:\n  %s", h.Field, h.Field, strings.Join(h.Options, " "))
}

type API struct {
	logger *slog.Logger
	token  string
	tables map[string]*kv.Store
	help   map[string]Help
}

// NewAPI serves the given stores under their names. Mutating routes require
// the admin token as a bearer token; an empty token rejects every mutation.
func NewAPI(logger *slog.Logger, token string, stores ...*kv.Store) *API {
	a := &API{
		logger: logger.With("module", "api"),
		token:  token,
		tables: map[string]*kv.Store{},
		help:   map[string]Help{},
	}
	for _, s := range stores {
		a.tables[s.Name()] = s
	}
	return a
}

func (a *API) AddHelp(platform string, h Help) {
	a.help[platform] = h
}

func (a *API) validateToken(key string, _ echo.Context) (bool, error) {
	if a.token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.token)) == 1, nil
}

func (a *API) Routes(e *echo.Echo) {
	auth := middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator:  a.validateToken,
		ErrorHandler: func(err error, c echo.Context) error {
			return echo.ErrUnauthorized
		},
	})

	g := e.Group("/api")
	g.GET("/:table", a.HandleList)
	g.POST("/:table", a.HandleCreate, auth)
	g.GET("/:table/:key", a.HandleGet)
	g.DELETE("/:table/:key", a.HandleDelete, auth)
	g.GET("/:table/:key/:field", a.HandleGetField)
	g.PUT("/:table/:key/:field", a.HandlePutField, auth)
	g.DELETE("/:table/:key/:field", a.HandleDeleteField, auth)

	e.GET("/help/:platform", a.HandleHelp)
}

func (a *API) table(c echo.Context) (*kv.Store, error) {
	name := c.Param("table")
	s, ok := a.tables[name]
	if !ok {
		return nil, c.String(http.StatusNotFound, "Not Found")
	}
	return s, nil
}

// pair loads the pair named by the route; ok is false once a response has
// been written.
func (a *API) pair(c echo.Context) (*kv.Store, *kv.Pair, bool, error) {
	s, err := a.table(c)
	if s == nil {
		return nil, nil, false, err
	}
	p, err := s.Get(c.Request().Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil, false, c.String(http.StatusNotFound, "Not Found")
		}
		return nil, nil, false, c.String(http.StatusInternalServerError, err.Error())
	}
	return s, p, true, nil
}

func readBody(c echo.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// put writes p. Hook failures after a committed write are logged only.
func (a *API) put(c echo.Context, s *kv.Store, p *kv.Pair) error {
	_, _, err := s.Put(c.Request().Context(), p)
	switch {
	case err == nil:
	case errors.Is(err, kv.ErrHook):
		a.logger.Error("hooks failed after write", "table", s.Name(), "key", p.Key, "error", err)
	case errors.Is(err, kv.ErrKeyField):
		return c.String(http.StatusBadRequest, err.Error())
	default:
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return nil
}

// HandleList handles GET /api/:table with the keys of the table.
func (a *API) HandleList(c echo.Context) error {
	s, err := a.table(c)
	if s == nil {
		return err
	}
	keys := []string{}
	for p, err := range s.Iter(c.Request().Context()) {
		if err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}
		keys = append(keys, p.Key)
	}
	slices.Sort(keys)
	return c.JSON(http.StatusOK, keys)
}

// HandleCreate handles POST /api/:table; the body is the new key.
func (a *API) HandleCreate(c echo.Context) error {
	s, err := a.table(c)
	if s == nil {
		return err
	}
	key, err := readBody(c)
	if err != nil || key == "" {
		return c.String(http.StatusBadRequest, "missing key")
	}
	ctx := c.Request().Context()

	if _, err := s.Get(ctx, key); err == nil {
		return c.String(http.StatusConflict, "Conflict")
	} else if !errors.Is(err, kv.ErrNotFound) {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	if err := a.put(c, s, &kv.Pair{Key: key, Value: map[string]any{}}); err != nil || c.Response().Committed {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, fmt.Sprintf("/api/%s/%s", s.Name(), key))
	return c.NoContent(http.StatusCreated)
}

// HandleGet handles GET /api/:table/:key with the value of the pair.
func (a *API) HandleGet(c echo.Context) error {
	_, p, ok, err := a.pair(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, p.Value)
}

// HandleDelete handles DELETE /api/:table/:key.
func (a *API) HandleDelete(c echo.Context) error {
	s, err := a.table(c)
	if s == nil {
		return err
	}
	key := c.Param("key")
	_, err = s.Delete(c.Request().Context(), key)
	switch {
	case err == nil:
	case errors.Is(err, kv.ErrHook):
		a.logger.Error("hooks failed after delete", "table", s.Name(), "key", key, "error", err)
	case errors.Is(err, kv.ErrNotFound):
		return c.String(http.StatusNotFound, "Not Found")
	default:
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// HandleGetField handles GET /api/:table/:key/:field.
func (a *API) HandleGetField(c echo.Context) error {
	_, p, ok, err := a.pair(c)
	if !ok {
		return err
	}
	v, ok := p.Value[c.Param("field")]
	if !ok || v == nil {
		return c.String(http.StatusNotFound, "Not Found")
	}
	return c.JSON(http.StatusOK, v)
}

// HandlePutField handles PUT /api/:table/:key/:field; the body is stored as
// a string.
func (a *API) HandlePutField(c echo.Context) error {
	s, p, ok, err := a.pair(c)
	if !ok {
		return err
	}
	value, err := readBody(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "failed to read body")
	}
	p.Value[c.Param("field")] = value
	if err := a.put(c, s, p); err != nil || c.Response().Committed {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// HandleDeleteField handles DELETE /api/:table/:key/:field.
func (a *API) HandleDeleteField(c echo.Context) error {
	s, p, ok, err := a.pair(c)
	if !ok {
		return err
	}
	field := c.Param("field")
	if v, ok := p.Value[field]; !ok || v == nil {
		return c.String(http.StatusNotFound, "Not Found")
	}
	delete(p.Value, field)
	if err := a.put(c, s, p); err != nil || c.Response().Committed {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// HandleHelp handles GET /help/:platform.
func (a *API) HandleHelp(c echo.Context) error {
	h, ok := a.help[c.Param("platform")]
	if !ok {
		return c.String(http.StatusNotFound, "Not Found")
	}
	return c.String(http.StatusOK, h.String())
}
