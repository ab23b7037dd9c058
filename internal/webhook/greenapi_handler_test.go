package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wappsentinel/internal/config"
	"wappsentinel/internal/queue"

	"github.com/labstack/echo/v4"
)

const (
	operatorChat = "77011234567-1581234048@g.us"
	customerChat = "77019876543@c.us"
)

func textHook(typeWebhook, id, chatID, text string) string {
	return `{
		"typeWebhook": "` + typeWebhook + `",
		"instanceData": {"idInstance": 1101, "wid": "77010000000@c.us"},
		"timestamp": 1772524800,
		"idMessage": "` + id + `",
		"senderData": {"chatId": "` + chatID + `", "sender": "` + chatID + `", "senderName": "Anna"},
		"messageData": {"typeMessage": "textMessage", "textMessageData": {"textMessage": "` + text + `"}}
	}`
}

func post(t *testing.T, h *GreenAPIHandler, body string) (int, map[string]string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/greenapi", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Receive(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func newHandler(customers ...string) (*GreenAPIHandler, *queue.MemoryBroker) {
	b := queue.NewMemoryBroker(queue.Options{MaxDeliveries: 1})
	routing := config.Routing{Operators: []string{operatorChat}, Customers: customers}
	return NewGreenAPIHandler(b, routing), b
}

func TestReceiveRoutesByChat(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantQueue string
		wantRole  string
	}{
		{"customer incoming", textHook(TypeIncomingMessage, "M1", customerChat, "hi"), queue.RawCustomerEvents, "customer"},
		{"operator incoming", textHook(TypeIncomingMessage, "M2", operatorChat, "order"), queue.RawOperatorEvents, "operator"},
		{"operator typed on phone", textHook(TypeOutgoingMessage, "M3", operatorChat, "order"), queue.RawOperatorEvents, "operator"},
		{"operator via api", textHook(TypeOutgoingAPIMessage, "M4", operatorChat, "order"), queue.RawOperatorEvents, "operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b := newHandler("*")
			code, out := post(t, h, tt.body)
			if code != http.StatusOK || out["status"] != "accepted" {
				t.Fatalf("response = %d %v", code, out)
			}

			msgs := b.Messages(tt.wantQueue)
			if len(msgs) != 1 {
				t.Fatalf("%s has %d messages, want 1", tt.wantQueue, len(msgs))
			}
			ev, err := queue.DecodeRawEvent(msgs[0].Body)
			if err != nil {
				t.Fatalf("DecodeRawEvent() error = %v", err)
			}
			if ev.ChatRole != tt.wantRole {
				t.Errorf("ChatRole = %q, want %q", ev.ChatRole, tt.wantRole)
			}
			if msgs[0].Key != ev.ChatID {
				t.Errorf("key = %q, want chat id", msgs[0].Key)
			}
			if ev.Timestamp.Unix() != 1772524800 {
				t.Errorf("Timestamp = %v", ev.Timestamp)
			}
		})
	}
}

func TestReceiveIgnores(t *testing.T) {
	tests := []struct {
		name      string
		customers []string
		body      string
	}{
		{"own reply echo on customer chat", []string{"*"}, textHook(TypeOutgoingAPIMessage, "M1", customerChat, "Thanks")},
		{"unknown chat", []string{"77015550000@c.us"}, textHook(TypeIncomingMessage, "M2", customerChat, "hi")},
		{"state webhook", []string{"*"}, `{"typeWebhook":"stateInstanceChanged","stateInstance":"authorized"}`},
		{"empty text", []string{"*"}, textHook(TypeIncomingMessage, "M3", customerChat, "  ")},
		{"image", []string{"*"}, `{"typeWebhook":"incomingMessageReceived","idMessage":"M4","senderData":{"chatId":"` + customerChat + `"},"messageData":{"typeMessage":"imageMessage"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b := newHandler(tt.customers...)
			code, out := post(t, h, tt.body)
			if code != http.StatusOK || out["status"] != "ignored" {
				t.Fatalf("response = %d %v, want 200 ignored", code, out)
			}
			if b.Len(queue.RawCustomerEvents)+b.Len(queue.RawOperatorEvents) != 0 {
				t.Error("nothing should be published")
			}
		})
	}
}

func TestReceiveExtendedText(t *testing.T) {
	h, b := newHandler("*")
	body := `{"typeWebhook":"incomingMessageReceived","timestamp":1772524800,"idMessage":"M9",
		"senderData":{"chatId":"` + customerChat + `","senderName":"Anna"},
		"messageData":{"typeMessage":"extendedTextMessage","extendedTextMessageData":{"text":"2kg cookies"}}}`
	if code, _ := post(t, h, body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	msgs := b.Messages(queue.RawCustomerEvents)
	if len(msgs) != 1 {
		t.Fatalf("published %d, want 1", len(msgs))
	}
	ev, _ := queue.DecodeRawEvent(msgs[0].Body)
	if ev.Text != "2kg cookies" || ev.MessageType != "extendedTextMessage" {
		t.Errorf("event = %+v", ev)
	}
}

func TestReceiveDeadLettersMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"broken json", `{"typeWebhook":`},
		{"missing id", `{"typeWebhook":"incomingMessageReceived","senderData":{"chatId":"` + customerChat + `"}}`},
		{"missing chat", `{"typeWebhook":"incomingMessageReceived","idMessage":"M1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b := newHandler("*")
			code, out := post(t, h, tt.body)
			if code != http.StatusOK || out["status"] != "dead_lettered" {
				t.Fatalf("response = %d %v", code, out)
			}
			dlq := b.Messages(queue.DLQName(queue.WebhookEvents))
			if len(dlq) != 1 {
				t.Fatalf("dead letters = %d, want 1", len(dlq))
			}
			env, err := queue.DecodeDeadLetter(dlq[0].Body)
			if err != nil {
				t.Fatalf("DecodeDeadLetter() error = %v", err)
			}
			if env.Payload != tt.body || env.Reason == "" {
				t.Errorf("envelope = %+v", env)
			}
		})
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, string, []byte) error {
	return errors.New("connection refused")
}

func TestReceivePublishFailureIsRetryable(t *testing.T) {
	h := NewGreenAPIHandler(failingPublisher{}, config.Routing{Customers: []string{"*"}})
	code, _ := post(t, h, textHook(TypeIncomingMessage, "M1", customerChat, "hi"))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}
