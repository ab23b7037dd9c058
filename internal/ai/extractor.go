package ai

import (
	"context"
	"time"
)

// Extractor pulls single order fields out of customer messages
type Extractor struct {
	client *Client
}

// NewExtractor creates a field extractor on top of client
func NewExtractor(client *Client) *Extractor {
	return &Extractor{client: client}
}

// ExtractItems finds ordered products
func (e *Extractor) ExtractItems(ctx context.Context, text string, _ time.Time) (*ItemsExtraction, error) {
	var out ItemsExtraction
	if _, err := e.client.CompleteJSON(ctx, "order_items", itemsInstruction(), text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractDelivery finds the delivery date, time and address.
// now anchors relative dates and comes from the message timestamp.
func (e *Extractor) ExtractDelivery(ctx context.Context, text string, now time.Time) (*DeliveryExtraction, error) {
	var out DeliveryExtraction
	if _, err := e.client.CompleteJSON(ctx, "order_delivery", deliveryInstruction(now), text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractPayment finds the payment status
func (e *Extractor) ExtractPayment(ctx context.Context, text string, _ time.Time) (*PaymentExtraction, error) {
	var out PaymentExtraction
	if _, err := e.client.CompleteJSON(ctx, "order_payment", paymentInstruction(), text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractContacts finds the client name and phones
func (e *Extractor) ExtractContacts(ctx context.Context, text string, _ time.Time) (*ContactsExtraction, error) {
	var out ContactsExtraction
	if _, err := e.client.CompleteJSON(ctx, "order_contacts", contactsInstruction(), text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transcriber turns an operator's free-text order into the fixed order schema
type Transcriber struct {
	client *Client
}

// NewTranscriber creates a transcriber on top of client
func NewTranscriber(client *Client) *Transcriber {
	return &Transcriber{client: client}
}

// Transcribe returns the parsed order and the raw model output. When the
// output does not match the schema the error wraps ErrInvalidResponse and
// raw still holds what the model said.
func (t *Transcriber) Transcribe(ctx context.Context, text string, messageAt time.Time) (*OrderTranscription, string, error) {
	var out OrderTranscription
	raw, err := t.client.CompleteJSON(ctx, "order_transcription", transcriptionInstruction(messageAt), text, &out)
	if err != nil {
		return nil, raw, err
	}
	out.Confidence = LowerConfidence(out.Confidence, ScoreConfidence(&out))
	return &out, raw, nil
}

var confidenceRank = map[string]int{"low": 0, "medium": 1, "high": 2}

// LowerConfidence returns the weaker of two confidence tiers
func LowerConfidence(a, b string) string {
	if confidenceRank[a] <= confidenceRank[b] {
		return a
	}
	return b
}
