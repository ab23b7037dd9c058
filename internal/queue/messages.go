package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RawEvent is a normalized platform message published by the webhook receiver
type RawEvent struct {
	Source      string          `json:"source" validate:"required"`
	ExternalID  string          `json:"external_id" validate:"required"`
	ChatID      string          `json:"chat_id" validate:"required"`
	ChatRole    string          `json:"chat_role" validate:"required,oneof=operator customer"`
	SenderID    string          `json:"sender_id"`
	SenderName  string          `json:"sender_name"`
	Text        string          `json:"text" validate:"required"`
	Timestamp   time.Time       `json:"timestamp" validate:"required"`
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Candidate asks the transcription worker to turn a persisted operator
// message into a structured order
type Candidate struct {
	InboundEventID string    `json:"inbound_event_id" validate:"required,uuid"`
	Source         string    `json:"source" validate:"required"`
	ExternalID     string    `json:"external_id" validate:"required"`
	ChatID         string    `json:"chat_id" validate:"required"`
	Text           string    `json:"text" validate:"required"`
	MessageAt      time.Time `json:"message_at" validate:"required"`
}

// DecodeRawEvent parses and validates a raw event. Errors are permanent.
func DecodeRawEvent(body []byte) (RawEvent, error) {
	var ev RawEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, Permanent(fmt.Errorf("decode raw event: %w", err))
	}
	if err := validate.Struct(ev); err != nil {
		return ev, Permanent(fmt.Errorf("invalid raw event: %w", err))
	}
	return ev, nil
}

// DecodeCandidate parses and validates a candidate. Errors are permanent.
func DecodeCandidate(body []byte) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(body, &c); err != nil {
		return c, Permanent(fmt.Errorf("decode candidate: %w", err))
	}
	if err := validate.Struct(c); err != nil {
		return c, Permanent(fmt.Errorf("invalid candidate: %w", err))
	}
	return c, nil
}

// DecodeDeadLetter parses a dead-letter envelope. Errors are permanent.
func DecodeDeadLetter(body []byte) (DeadLetterEnvelope, error) {
	var env DeadLetterEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, Permanent(fmt.Errorf("decode dead letter: %w", err))
	}
	if env.Queue == "" || env.MessageID == "" {
		return env, Permanent(fmt.Errorf("dead letter missing queue or message id"))
	}
	return env, nil
}
