package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Everything that is not a gateway endpoint goes through the gateway pipeline,
// which owns the 404 for unknown prefixes.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, gw *GatewayHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", gw.Handle)
}
