// Package server hosts the operational HTTP surface (health, metrics, run
// status) and the cron scheduler for periodic clustering runs.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threatwire/clusterd/internal/engine"
	"github.com/threatwire/clusterd/internal/store"
)

// New builds the ops server. It exposes no product API; downstream
// consumers read committed clusters straight from storage.
func New(st *store.Store, eng *engine.Engine) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/status", func(c echo.Context) error {
		summary, status, ok, err := st.LatestRunSummary(c.Request().Context())
		if err != nil {
			return err
		}
		resp := map[string]interface{}{
			"engine_state": eng.State(),
		}
		if ok {
			resp["last_run_status"] = status
			resp["last_run"] = summary
		}
		return c.JSON(http.StatusOK, resp)
	})
	return e
}
