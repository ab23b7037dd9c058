package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"wappsentinel/internal/config"
	"wappsentinel/internal/queue"
	"wappsentinel/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Green API webhook types carrying chat messages
const (
	TypeIncomingMessage    = "incomingMessageReceived"
	TypeOutgoingMessage    = "outgoingMessageReceived"
	TypeOutgoingAPIMessage = "outgoingAPIMessageReceived"
)

const maxBodySize = 1 << 20

// GreenAPIWebhook is the callback body posted by Green API
type GreenAPIWebhook struct {
	TypeWebhook  string `json:"typeWebhook"`
	InstanceData struct {
		IDInstance int64  `json:"idInstance"`
		WID        string `json:"wid"`
	} `json:"instanceData"`
	Timestamp  int64  `json:"timestamp"`
	IDMessage  string `json:"idMessage"`
	SenderData struct {
		ChatID     string `json:"chatId"`
		ChatName   string `json:"chatName"`
		Sender     string `json:"sender"`
		SenderName string `json:"senderName"`
	} `json:"senderData"`
	MessageData struct {
		TypeMessage     string `json:"typeMessage"`
		TextMessageData *struct {
			TextMessage string `json:"textMessage"`
		} `json:"textMessageData"`
		ExtendedTextMessageData *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessageData"`
	} `json:"messageData"`
}

// Text returns the message text, or "" for non-text messages
func (w *GreenAPIWebhook) Text() string {
	switch {
	case w.MessageData.TextMessageData != nil:
		return w.MessageData.TextMessageData.TextMessage
	case w.MessageData.ExtendedTextMessageData != nil:
		return w.MessageData.ExtendedTextMessageData.Text
	}
	return ""
}

func sourceOf(typeWebhook string) (string, bool) {
	switch typeWebhook {
	case TypeIncomingMessage:
		return models.SourceIncoming, true
	case TypeOutgoingMessage:
		return models.SourceOutgoing, true
	case TypeOutgoingAPIMessage:
		return models.SourceOutgoingAPI, true
	}
	return "", false
}

// GreenAPIHandler normalizes Green API callbacks and routes them to the
// operator or customer queue. It never touches the datastore.
type GreenAPIHandler struct {
	publisher queue.Publisher
	routing   config.Routing
	now       func() time.Time
}

func NewGreenAPIHandler(publisher queue.Publisher, routing config.Routing) *GreenAPIHandler {
	return &GreenAPIHandler{
		publisher: publisher,
		routing:   routing,
		now:       time.Now,
	}
}

// Receive handles POST /api/v1/webhook/greenapi
func (h *GreenAPIHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
	}

	var hook GreenAPIWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return h.deadLetter(c, body, "", "malformed json: "+err.Error())
	}

	source, ok := sourceOf(hook.TypeWebhook)
	if !ok {
		// state, status and call notifications
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	if hook.IDMessage == "" || hook.SenderData.ChatID == "" {
		return h.deadLetter(c, body, hook.SenderData.ChatID, "missing idMessage or chatId")
	}

	chatID := hook.SenderData.ChatID
	logger := log.With().Str("chat_id", chatID).Str("message_id", hook.IDMessage).Str("type", hook.TypeWebhook).Logger()

	role, known := h.routing.Classify(chatID)
	if !known {
		logger.Info().Msg("Webhook from unknown chat dropped")
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	// our own replies come back as outgoing webhooks on customer chats
	if role == models.ChatRoleCustomer && source != models.SourceIncoming {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	text := strings.TrimSpace(hook.Text())
	if text == "" {
		logger.Debug().Str("message_type", hook.MessageData.TypeMessage).Msg("Non-text message ignored")
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ts := h.now().UTC()
	if hook.Timestamp > 0 {
		ts = time.Unix(hook.Timestamp, 0).UTC()
	}

	ev := queue.RawEvent{
		Source:      source,
		ExternalID:  hook.IDMessage,
		ChatID:      chatID,
		ChatRole:    role,
		SenderID:    hook.SenderData.Sender,
		SenderName:  hook.SenderData.SenderName,
		Text:        text,
		Timestamp:   ts,
		MessageType: hook.MessageData.TypeMessage,
		Payload:     json.RawMessage(body),
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to encode event"})
	}

	target := queue.RawCustomerEvents
	if role == models.ChatRoleOperator {
		target = queue.RawOperatorEvents
	}
	if err := h.publisher.Publish(ctx, target, chatID, out); err != nil {
		logger.Error().Err(err).Str("queue", target).Msg("Failed to publish webhook event")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Queue unavailable"})
	}

	logger.Info().Str("queue", target).Msg("Webhook event published")
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *GreenAPIHandler) deadLetter(c echo.Context, body []byte, key, reason string) error {
	err := queue.PublishDeadLetter(c.Request().Context(), h.publisher, queue.WebhookEvents, key, body, reason)
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("Failed to dead-letter webhook")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Queue unavailable"})
	}
	log.Warn().Str("reason", reason).Msg("Webhook dead-lettered")
	return c.JSON(http.StatusOK, map[string]string{"status": "dead_lettered"})
}
