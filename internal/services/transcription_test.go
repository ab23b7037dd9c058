package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"wappsentinel/internal/ai"
	"wappsentinel/internal/db/dbtest"
	"wappsentinel/internal/queue"
	"wappsentinel/internal/repo"
	"wappsentinel/pkg/models"

	"gorm.io/gorm"
)

type fakeTranscriber struct {
	result *ai.OrderTranscription
	raw    string
	err    error
	calls  int
}

func (f *fakeTranscriber) Transcribe(context.Context, string, time.Time) (*ai.OrderTranscription, string, error) {
	f.calls++
	return f.result, f.raw, f.err
}

// storedCandidate ingests an operator message and returns its candidate
func storedCandidate(t *testing.T, gdb *gorm.DB, id string) queue.Candidate {
	t.Helper()
	ev, _ := queue.DecodeRawEvent(rawMessage(t, queue.RawOperatorEvents, models.ChatRoleOperator, operatorChat, id, "Cake 1pc, tomorrow 15:00, paid, Marat 77017778899", baseTime).Body)
	if _, err := NewIngestionService(gdb).Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	event, err := repo.NewInboundEventRepository(gdb).GetByKey(context.Background(), models.SourceIncoming, id)
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	var row models.OutboxMessage
	if err := gdb.Where("dedupe_key = ?", queue.OrderCandidateEvents+":"+event.ID.String()).First(&row).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	c, err := queue.DecodeCandidate(row.Payload)
	if err != nil {
		t.Fatalf("DecodeCandidate() error = %v", err)
	}
	return c
}

func TestTranscriptionStoresOrder(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	fake := &fakeTranscriber{
		result: &ai.OrderTranscription{
			DeliveryDateTime:     "2026-03-03 15:00:00",
			PaymentStatus:        "paid",
			ContactNumberPrimary: "77017778899",
			ClientName:           "Marat",
			Items:                []ai.Item{{Name: "Cake", Quantity: "1pc"}},
			Confidence:           "high",
		},
		raw: `{"payment_status":"paid"}`,
	}
	loc := time.FixedZone("ALMT", 5*3600)
	svc := NewTranscriptionService(gdb, fake, loc)
	c := storedCandidate(t, gdb, "OP1")

	order, err := svc.Transcribe(ctx, c)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if order == nil || order.Placeholder() {
		t.Fatalf("order = %+v", order)
	}
	want := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	if order.DeliveryAt == nil || !order.DeliveryAt.Equal(want) {
		t.Errorf("DeliveryAt = %v, want %v", order.DeliveryAt, want)
	}
	if len(order.Items) != 1 || order.Items[0].Name != "Cake" {
		t.Errorf("Items = %+v", order.Items)
	}

	event, err := repo.NewInboundEventRepository(gdb).GetByKey(ctx, models.SourceIncoming, "OP1")
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if !event.Processed {
		t.Error("inbound event should be marked processed")
	}

	// redelivery does not call the model again
	if err := svc.HandleMessage(ctx, candidateMessage(t, c)); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("transcriber calls = %d, want 1", fake.calls)
	}
	if n, _ := repo.NewStructuredOrderRepository(gdb).Count(ctx); n != 1 {
		t.Errorf("orders = %d, want 1", n)
	}
}

func TestTranscriptionInvalidResponseStoresPlaceholder(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	fake := &fakeTranscriber{raw: "not json at all", err: fmt.Errorf("%w: unexpected token", ai.ErrInvalidResponse)}
	svc := NewTranscriptionService(gdb, fake, time.UTC)

	order, err := svc.Transcribe(ctx, storedCandidate(t, gdb, "OP1"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if !order.Placeholder() || order.Confidence != models.ConfidenceLow {
		t.Errorf("order = %+v, want low-confidence placeholder", order)
	}
	if order.DeliveryAt != nil || order.PaymentStatus != models.PaymentUnknown {
		t.Errorf("placeholder carries fields: %+v", order)
	}
	if string(order.LLMResponse) != `"not json at all"` {
		t.Errorf("LLMResponse = %s", order.LLMResponse)
	}
}

func TestTranscriptionTransportErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	svc := NewTranscriptionService(gdb, &fakeTranscriber{err: errors.New("context deadline exceeded")}, time.UTC)

	err := svc.HandleMessage(ctx, candidateMessage(t, storedCandidate(t, gdb, "OP1")))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if n, _ := repo.NewStructuredOrderRepository(gdb).Count(ctx); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}

func TestTranscriptionMalformedCandidateIsPermanent(t *testing.T) {
	svc := NewTranscriptionService(dbtest.Open(t), &fakeTranscriber{}, time.UTC)
	err := svc.HandleMessage(context.Background(), queue.Message{Queue: queue.OrderCandidateEvents, Body: []byte(`{"inbound_event_id":"nope"}`)})
	if !queue.IsPermanent(err) {
		t.Fatalf("error = %v, want permanent", err)
	}
}

func candidateMessage(t *testing.T, c queue.Candidate) queue.Message {
	t.Helper()
	body, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return queue.Message{ID: c.ExternalID, Queue: queue.OrderCandidateEvents, Key: c.ChatID, Body: body, Attempt: 1}
}
