package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"chat-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// OriginResolver reports the default upstream origin.
type OriginResolver interface {
	ResolveOrigin(override string) (string, error)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	resolver OriginResolver
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, r OriginResolver) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, resolver: r}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and where chat requests go by default.
// Credentials are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	origin, err := h.resolver.ResolveOrigin("")
	if err != nil {
		origin = "invalid: " + h.cfg.Upstream.BaseURL
	}
	organization := "no"
	if h.cfg.Upstream.Organization != "" {
		organization = "yes"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": origin,
		"organization": organization,
	})
}
