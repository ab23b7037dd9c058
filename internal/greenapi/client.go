package greenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wappsentinel/internal/config"

	"github.com/rs/zerolog/log"
)

// Client talks to the Green API WhatsApp gateway
type Client struct {
	baseURL    string
	instanceID string
	token      string
	httpClient *http.Client
}

// SendMessageRequest is the body of sendMessage
type SendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// SendMessageResponse is returned by sendMessage
type SendMessageResponse struct {
	IDMessage string `json:"idMessage"`
}

// StateResponse is returned by getStateInstance
type StateResponse struct {
	StateInstance string `json:"stateInstance"`
}

// NewClient creates a client for one gateway instance
func NewClient(cfg config.GreenAPIConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		instanceID: cfg.InstanceID,
		token:      cfg.Token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/waInstance%s/%s/%s", c.baseURL, c.instanceID, method, c.token)
}

// SendTextMessage sends text to a chat and returns the platform message id
func (c *Client) SendTextMessage(ctx context.Context, chatID, text string) (string, error) {
	body, err := json.Marshal(SendMessageRequest{ChatID: chatID, Message: text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("green api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	log.Info().Str("chat_id", chatID).Str("message_id", out.IDMessage).Msg("Message sent")
	return out.IDMessage, nil
}

// GetState returns the authorization state of the instance ("authorized" when usable)
func (c *Client) GetState(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getStateInstance"), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get instance state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("green api returned status %d", resp.StatusCode)
	}

	var out StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.StateInstance, nil
}

// LogSender stands in for the gateway when it is not configured
type LogSender struct{}

func (LogSender) SendTextMessage(_ context.Context, chatID, text string) (string, error) {
	log.Warn().Str("chat_id", chatID).Int("length", len(text)).Msg("Green API not configured, message not sent")
	return "", nil
}
