package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wappsentinel/internal/ai"
	"wappsentinel/internal/queue"
	"wappsentinel/pkg/models"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	customerChat = "77019876543@c.us"
	operatorChat = "77011234567-1581234048@g.us"
)

type sentMessage struct {
	ChatID string
	Text   string
}

// recordingSender keeps every message instead of sending it
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) SendTextMessage(_ context.Context, chatID, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, sentMessage{ChatID: chatID, Text: text})
	return "MSG" + string(rune('A'+len(s.sent)-1)), nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Text)
	}
	return out
}

// fakeExtractor answers from the message text
type fakeExtractor struct {
	mu     sync.Mutex
	err    error
	failOn string // texts containing it always fail
	texts  []string
}

func (f *fakeExtractor) seen(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return errors.New("llm 400: context_length_exceeded")
	}
	return f.err
}

func (f *fakeExtractor) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeExtractor) ExtractItems(_ context.Context, text string, _ time.Time) (*ai.ItemsExtraction, error) {
	if err := f.seen(text); err != nil {
		return nil, err
	}
	if strings.Contains(text, "cookies") {
		return &ai.ItemsExtraction{Present: true, Items: []ai.Item{{Name: "cookies", Quantity: "2kg"}}}, nil
	}
	return &ai.ItemsExtraction{}, nil
}

func (f *fakeExtractor) ExtractDelivery(_ context.Context, text string, now time.Time) (*ai.DeliveryExtraction, error) {
	if err := f.seen(text); err != nil {
		return nil, err
	}
	if addr, ok := strings.CutPrefix(text, "tomorrow 14:00 at "); ok {
		return &ai.DeliveryExtraction{Present: true, Date: now.AddDate(0, 0, 1).Format("2006-01-02"), Time: "14:00", Address: addr}, nil
	}
	return &ai.DeliveryExtraction{}, nil
}

func (f *fakeExtractor) ExtractPayment(_ context.Context, text string, _ time.Time) (*ai.PaymentExtraction, error) {
	if err := f.seen(text); err != nil {
		return nil, err
	}
	if text == "pay on delivery" {
		return &ai.PaymentExtraction{Present: true, Status: models.PaymentUnpaid}, nil
	}
	return &ai.PaymentExtraction{}, nil
}

func (f *fakeExtractor) ExtractContacts(_ context.Context, text string, _ time.Time) (*ai.ContactsExtraction, error) {
	if err := f.seen(text); err != nil {
		return nil, err
	}
	if name, phone, ok := strings.Cut(text, ", "); ok {
		return &ai.ContactsExtraction{Present: true, ClientName: name, ClientPhone: phone}, nil
	}
	return &ai.ContactsExtraction{}, nil
}

func rawMessage(t *testing.T, queueName, role, chatID, id, text string, at time.Time) queue.Message {
	t.Helper()
	body, err := json.Marshal(queue.RawEvent{
		Source:      models.SourceIncoming,
		ExternalID:  id,
		ChatID:      chatID,
		ChatRole:    role,
		SenderName:  "Anna",
		Text:        text,
		Timestamp:   at,
		MessageType: "textMessage",
	})
	if err != nil {
		t.Fatalf("marshal raw event: %v", err)
	}
	return queue.Message{ID: id, Queue: queueName, Key: chatID, Body: body, Attempt: 1}
}
