package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"module-gateway/internal/namespace"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	namespaces *namespace.Config
	version    Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(ns *namespace.Config, v Version) *HealthHandler {
	return &HealthHandler{namespaces: ns, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the namespace mappings in effect.
// A disabled namespace reports an empty location.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"root_uri":     h.namespaces.RootURI(),
		"root_path":    h.namespaces.RootPath(),
		"library_uri":  h.namespaces.LibraryURI(),
		"library_path": h.namespaces.LibraryPath(),
	})
}
