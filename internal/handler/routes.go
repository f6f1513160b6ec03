package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"module-gateway/internal/config"
	"module-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Fixed
// routes take precedence, so a namespace mounted at "/" cannot serve modules
// named like them (see config.ShadowedRoutes). Every other path and method
// reaches the module handler, which answers unknown paths and methods itself.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, module *ModuleHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", module.Handle)
}
