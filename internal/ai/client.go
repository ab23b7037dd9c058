package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wappsentinel/internal/config"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// ErrInvalidResponse marks a completion that did not match the requested schema
var ErrInvalidResponse = errors.New("llm response does not match schema")

// Client runs schema-constrained chat completions.
// One Client is built per worker and passed to the extractors that need it.
type Client struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	validate *validator.Validate
}

// NewClient creates an OpenAI-compatible client
func NewClient(cfg config.LLMConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:   openai.NewClientWithConfig(oc),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		validate: validator.New(),
	}
}

// CompleteJSON asks the model to answer with a JSON document matching the
// schema derived from out, decodes it into out and validates it. It returns
// the raw response text whenever the model answered, even when decoding or
// validation failed (those failures wrap ErrInvalidResponse).
func (c *Client) CompleteJSON(ctx context.Context, name, instruction, input string, out any) (string, error) {
	schema, err := jsonschema.GenerateSchemaForType(out)
	if err != nil {
		return "", fmt.Errorf("generate schema %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		category := Category(err)
		recordCall(ctx, name, category)
		log.Error().
			Err(err).
			Str("extraction", name).
			Str("error_type", category).
			Dur("elapsed", time.Since(started)).
			Msg("LLM call failed")
		return "", fmt.Errorf("llm %s: %w", name, err)
	}

	if len(resp.Choices) == 0 {
		recordCall(ctx, name, "invalid_response")
		return "", fmt.Errorf("%w: %s returned no choices", ErrInvalidResponse, name)
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := c.decode(raw, out); err != nil {
		recordCall(ctx, name, "invalid_response")
		log.Warn().
			Err(err).
			Str("extraction", name).
			Str("raw", truncate(raw, 500)).
			Msg("LLM response rejected")
		return raw, err
	}

	recordCall(ctx, name, "ok")
	log.Debug().
		Str("extraction", name).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("elapsed", time.Since(started)).
		Msg("LLM call successful")
	return raw, nil
}

func (c *Client) decode(raw string, out any) error {
	if raw == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := c.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if v, ok := out.(interface{ check() error }); ok {
		if err := v.check(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
