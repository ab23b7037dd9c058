package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai"
)

func TestDecodeRejectsInvalidResponses(t *testing.T) {
	c := &Client{validate: validator.New()}

	tests := []struct {
		name    string
		raw     string
		out     any
		wantErr bool
	}{
		{"items ok", `{"present":true,"items":[{"name":"cookies","quantity":"2kg","notes":""}]}`, &ItemsExtraction{}, false},
		{"items absent", `{"present":false,"items":[]}`, &ItemsExtraction{}, false},
		{"items present but empty", `{"present":true,"items":[]}`, &ItemsExtraction{}, true},
		{"item without name", `{"present":true,"items":[{"name":"","quantity":"1","notes":""}]}`, &ItemsExtraction{}, true},
		{"not json", `cookies please`, &ItemsExtraction{}, true},
		{"unknown field", `{"present":false,"items":[],"extra":1}`, &ItemsExtraction{}, true},
		{"delivery ok", `{"present":true,"date":"2026-03-02","time":"14:00","address":"Main St 5"}`, &DeliveryExtraction{}, false},
		{"delivery bad date", `{"present":true,"date":"tomorrow","time":"","address":""}`, &DeliveryExtraction{}, true},
		{"payment bad enum", `{"present":true,"status":"maybe"}`, &PaymentExtraction{}, true},
		{"payment present no status", `{"present":true,"status":""}`, &PaymentExtraction{}, true},
		{"contacts ok", `{"present":true,"client_name":"Anna","client_phone":"5551234567","additional_phone":""}`, &ContactsExtraction{}, false},
		{"contacts present but empty", `{"present":true,"client_name":" ","client_phone":"","additional_phone":""}`, &ContactsExtraction{}, true},
		{"transcription bad confidence", `{"delivery_datetime":"","payment_status":"unknown","contact_number_primary":"","contact_number_secondary":"","client_name":"","items":[],"accepted_by":"","confidence":"great"}`, &OrderTranscription{}, true},
		{"transcription bad datetime", `{"delivery_datetime":"tomorrow","payment_status":"paid","contact_number_primary":"","contact_number_secondary":"","client_name":"","items":[],"accepted_by":"","confidence":"low"}`, &OrderTranscription{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.decode(tt.raw, tt.out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidResponse) {
				t.Errorf("decode() error = %v, want ErrInvalidResponse", err)
			}
		})
	}
}

func TestDeliveryAtDefaultsToNoon(t *testing.T) {
	e := DeliveryExtraction{Present: true, Date: "2026-03-02"}
	at, err := e.At(time.UTC)
	if err != nil {
		t.Fatalf("At() error = %v", err)
	}
	if at.Hour() != 12 || at.Minute() != 0 {
		t.Errorf("At() = %v, want 12:00", at)
	}
}

func TestScoreConfidence(t *testing.T) {
	items := []Item{{Name: "cake", Quantity: "1"}}

	tests := []struct {
		name string
		in   OrderTranscription
		want string
	}{
		{"all three", OrderTranscription{DeliveryDateTime: "2026-03-02 10:00:00", Items: items, ContactNumberPrimary: "777"}, "high"},
		{"two", OrderTranscription{Items: items, ContactNumberSecondary: "777"}, "medium"},
		{"one", OrderTranscription{Items: items}, "low"},
		{"none", OrderTranscription{}, "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreConfidence(&tt.in); got != tt.want {
				t.Errorf("ScoreConfidence() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLowerConfidence(t *testing.T) {
	if got := LowerConfidence("high", "medium"); got != "medium" {
		t.Errorf("LowerConfidence(high, medium) = %q", got)
	}
	if got := LowerConfidence("low", "high"); got != "low" {
		t.Errorf("LowerConfidence(low, high) = %q", got)
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("wrap: %w", ErrInvalidResponse), "invalid_response"},
		{context.DeadlineExceeded, "timeout"},
		{&openai.APIError{HTTPStatusCode: 429}, "rate_limit"},
		{&openai.APIError{HTTPStatusCode: 503}, "upstream"},
		{errors.New("dial tcp: connection refused"), "connection"},
	}
	for _, tt := range tests {
		if got := Category(tt.err); got != tt.want {
			t.Errorf("Category(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
