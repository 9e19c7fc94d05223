package youtube

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/suisei-cn/stargazer/pkg/ingest"
)

const maxNotificationSize = 1 << 20

// HandleVerify answers hub verification requests on GET /youtube_callback.
func (m *Manager) HandleVerify(c echo.Context) error {
	challenge, err := m.Verify(c.QueryParam("hub.topic"), c.QueryParam("hub.challenge"), c.QueryParam("hub.mode"))
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.String(http.StatusOK, challenge)
}

// HandleNotify receives push notifications on POST /youtube_callback.
func (m *Manager) HandleNotify(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotificationSize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if err := m.Notify(c.Request().Context(), body); err != nil {
		m.logger.Error("failed to handle notification", "error", err)
		if errors.Is(err, ingest.ErrMalformed) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// Routes mounts the callback endpoint.
func (m *Manager) Routes(e *echo.Echo) {
	e.GET("/youtube_callback", m.HandleVerify)
	e.POST("/youtube_callback", m.HandleNotify)
}
