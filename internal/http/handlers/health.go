package handlers

import (
	"net/http"

	"wappsentinel/internal/services"

	"github.com/labstack/echo/v4"
)

type HealthHandler struct {
	health *services.HealthService
}

func NewHealthHandler(health *services.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

// Check returns 200 when every dependency answers, 503 otherwise
func (h *HealthHandler) Check(c echo.Context) error {
	status := h.health.Check(c.Request().Context())
	if status.Status != "ok" {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}
