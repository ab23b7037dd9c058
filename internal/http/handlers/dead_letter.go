package handlers

import (
	"net/http"
	"strconv"

	"wappsentinel/internal/services"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type DeadLetterHandler struct {
	letters *services.DeadLetterService
}

func NewDeadLetterHandler(letters *services.DeadLetterService) *DeadLetterHandler {
	return &DeadLetterHandler{letters: letters}
}

// List returns dead letters newest first. Query: queue, page, limit.
func (h *DeadLetterHandler) List(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	result, err := h.letters.List(c.Request().Context(), c.QueryParam("queue"), page, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list dead letters")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list dead letters"})
	}
	return c.JSON(http.StatusOK, result)
}
