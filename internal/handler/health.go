package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"api-gateway/internal/config"
	"api-gateway/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	routes  *route.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, routes *route.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, routes: routes, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Target string `json:"target"`
}

type gatewayStatus struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	AuthMode string        `json:"auth_mode"`
	Routes   []routeStatus `json:"routes"`
}

// Status returns gateway status information. Secrets are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	st := gatewayStatus{
		Status:   "ok",
		Version:  string(h.version),
		AuthMode: h.cfg.Auth.Mode,
		Routes:   []routeStatus{},
	}
	for _, r := range h.routes.Routes() {
		st.Routes = append(st.Routes, routeStatus{
			Name:   r.Name,
			Prefix: r.Prefix,
			Target: r.Target.Redacted(),
		})
	}
	return c.JSON(http.StatusOK, st)
}
