package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	ws      *WSHandler
}

// NewHealthHandler creates a HealthHandler. ws may be nil.
func NewHealthHandler(cfg *config.Config, v Version, ws *WSHandler) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, ws: ws}
}

// Health returns a fixed OK response for liveness checks.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type statusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	FailurePolicy  string `json:"failure_policy"`
	ActiveSessions int64  `json:"active_sessions"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		FailurePolicy: string(h.cfg.Forward.Policy()),
	}
	if h.ws != nil {
		resp.ActiveSessions = h.ws.ActiveSessions()
	}
	return c.JSON(http.StatusOK, resp)
}
