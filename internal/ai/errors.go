package ai

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Category classifies an LLM failure for logs and metrics
func Category(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrInvalidResponse) {
		return "invalid_response"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return "rate_limit"
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return "permission"
		case apiErr.HTTPStatusCode >= 500:
			return "upstream"
		default:
			return "request"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "connection"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	default:
		return "unknown"
	}
}

var llmCalls metric.Int64Counter

func init() {
	var err error
	llmCalls, err = otel.Meter("wappsentinel/ai").Int64Counter(
		"llm.calls",
		metric.WithDescription("LLM extraction calls, by extraction and result"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create llm calls counter")
	}
}

func recordCall(ctx context.Context, name, result string) {
	if llmCalls == nil {
		return
	}
	llmCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("extraction", name),
		attribute.String("result", result),
	))
}
