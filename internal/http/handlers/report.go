package handlers

import (
	"errors"
	"net/http"
	"time"

	"wappsentinel/internal/services"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type ReportHandler struct {
	reports *services.ReportService
	chatID  string
	now     func() time.Time
}

func NewReportHandler(reports *services.ReportService, chatID string) *ReportHandler {
	return &ReportHandler{reports: reports, chatID: chatID, now: time.Now}
}

type ReportPreviewResponse struct {
	Date        string `json:"date"`
	OrdersCount int    `json:"orders_count"`
	Text        string `json:"text"`
}

// parseDate reads ?date=YYYY-MM-DD in the report timezone, today when absent
func (h *ReportHandler) parseDate(c echo.Context) (time.Time, error) {
	loc := h.reports.Location()
	raw := c.QueryParam("date")
	if raw == "" {
		now := h.now().In(loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), nil
	}
	return time.ParseInLocation("2006-01-02", raw, loc)
}

// SendDaily builds the report for ?date= and sends it to the report chat.
// ?chat_id= overrides the configured chat.
func (h *ReportHandler) SendDaily(c echo.Context) error {
	date, err := h.parseDate(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid date format, expected YYYY-MM-DD"})
	}

	chatID := h.chatID
	if override := c.QueryParam("chat_id"); override != "" {
		chatID = override
	}

	result, err := h.reports.Send(c.Request().Context(), date, chatID)
	if errors.Is(err, services.ErrNoReportChat) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Report chat id is not configured"})
	}
	if err != nil {
		log.Error().Err(err).Str("date", date.Format("2006-01-02")).Msg("Failed to send daily report")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "Failed to send report"})
	}

	return c.JSON(http.StatusOK, result)
}

// PreviewDaily returns the report text without sending it
func (h *ReportHandler) PreviewDaily(c echo.Context) error {
	date, err := h.parseDate(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid date format, expected YYYY-MM-DD"})
	}

	orders, err := h.reports.OrdersForDate(c.Request().Context(), date)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load report orders")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load orders"})
	}

	return c.JSON(http.StatusOK, ReportPreviewResponse{
		Date:        date.Format("2006-01-02"),
		OrdersCount: len(orders),
		Text:        h.reports.Format(orders, date),
	})
}
