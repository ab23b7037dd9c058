package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"wappsentinel/internal/db/dbtest"
	"wappsentinel/pkg/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func seedReportOrders(t *testing.T, gdb *gorm.DB, loc *time.Location) {
	t.Helper()
	at := func(day, hour int) *time.Time {
		v := time.Date(2026, 3, day, hour, 0, 0, 0, loc).UTC()
		return &v
	}

	structured := []models.StructuredOrder{
		{Source: models.SourceIncoming, ExternalID: "OP1", InboundEventID: uuid.New(), DeliveryAt: at(3, 15), PaymentStatus: models.PaymentPaid, ClientName: "Marat", ContactPrimary: "77017778899", Items: datatypes.JSONSlice[models.OrderItem]{{Name: "Cake", Quantity: "1pc"}}, Confidence: models.ConfidenceHigh, AcceptedAt: baseTime},
		{Source: models.SourceIncoming, ExternalID: "OP2", InboundEventID: uuid.New(), DeliveryAt: at(4, 9), PaymentStatus: models.PaymentPaid, Confidence: models.ConfidenceHigh, AcceptedAt: baseTime},
		{Source: models.SourceIncoming, ExternalID: "OP3", InboundEventID: uuid.New(), Confidence: models.ConfidenceLow, ParseError: "invalid", AcceptedAt: baseTime},
	}
	if err := gdb.Create(&structured).Error; err != nil {
		t.Fatalf("seed structured orders: %v", err)
	}

	for i, status := range []string{models.ValidationValidated, models.ValidationPending} {
		conv := &models.Conversation{ChatID: "c" + string(rune('0'+i)) + "@c.us", Status: models.ConversationCompleted, CurrentStep: "save", Version: 1}
		if err := gdb.Create(conv).Error; err != nil {
			t.Fatalf("seed conversation: %v", err)
		}
		draft := &models.DraftOrder{
			ConversationID:   conv.ID,
			ChatID:           conv.ChatID,
			Items:            datatypes.JSONSlice[models.OrderItem]{{Name: "cookies", Quantity: "2kg"}},
			DeliveryAt:       at(3, 10),
			DeliveryAddress:  "Main St 5",
			PaymentStatus:    models.PaymentUnpaid,
			ClientName:       "Anna",
			ClientPhone:      "5551234567",
			ValidationStatus: status,
			ConfirmedAt:      &baseTime,
		}
		if err := gdb.Create(draft).Error; err != nil {
			t.Fatalf("seed draft: %v", err)
		}
	}
}

func TestReportOrdersForDate(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	loc := time.FixedZone("ALMT", 5*3600)
	seedReportOrders(t, gdb, loc)

	svc := NewReportService(gdb, &recordingSender{}, loc)
	orders, err := svc.OrdersForDate(ctx, time.Date(2026, 3, 3, 0, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("OrdersForDate() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if orders[0].Origin != OriginConversation || orders[1].Origin != OriginTranscribed {
		t.Errorf("order = %s, %s; want conversation (10:00) before transcribed (15:00)", orders[0].Origin, orders[1].Origin)
	}
}

func TestReportFormat(t *testing.T) {
	loc := time.UTC
	svc := NewReportService(nil, nil, loc)
	date := time.Date(2026, 3, 3, 0, 0, 0, 0, loc)

	empty := svc.Format(nil, date)
	if !strings.Contains(empty, "03.03.2026") || !strings.Contains(empty, "No orders for this date.") {
		t.Errorf("empty report = %q", empty)
	}

	text := svc.Format([]ReportOrder{
		{DeliveryAt: date.Add(10 * time.Hour), PaymentStatus: models.PaymentUnpaid, ClientName: "Anna", Items: []models.OrderItem{{Name: "cookies", Quantity: "2kg"}}},
		{DeliveryAt: date.Add(15 * time.Hour), PaymentStatus: models.PaymentPaid, ContactPrimary: "77017778899", Items: []models.OrderItem{{Name: "Cake"}}},
	}, date)

	for _, want := range []string{
		"Total orders: 2",
		"ORDER #1\n🕐 Delivery time: 10:00",
		"ORDER #2\n🕐 Delivery time: 15:00",
		"   • cookies - 2kg",
		"   • Cake\n",
		"   • Paid: 1",
		"   • Not paid: 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report is missing %q:\n%s", want, text)
		}
	}
}

func TestReportSend(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	seedReportOrders(t, gdb, time.UTC)
	sender := &recordingSender{}
	svc := NewReportService(gdb, sender, time.UTC)

	if _, err := svc.Send(ctx, baseTime, ""); err != ErrNoReportChat {
		t.Fatalf("Send() without chat error = %v, want ErrNoReportChat", err)
	}

	res, err := svc.Send(ctx, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), "report@g.us")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.OrdersCount != 2 || res.Date != "2026-03-03" {
		t.Errorf("result = %+v", res)
	}
	if len(sender.sent) != 1 || sender.sent[0].ChatID != "report@g.us" {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestNextRun(t *testing.T) {
	loc := time.FixedZone("ALMT", 5*3600)
	at := 9 * time.Hour

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's run", time.Date(2026, 3, 2, 8, 0, 0, 0, loc), time.Date(2026, 3, 2, 9, 0, 0, 0, loc)},
		{"exactly at run", time.Date(2026, 3, 2, 9, 0, 0, 0, loc), time.Date(2026, 3, 3, 9, 0, 0, 0, loc)},
		{"after run", time.Date(2026, 3, 2, 22, 0, 0, 0, loc), time.Date(2026, 3, 3, 9, 0, 0, 0, loc)},
		{"utc input", time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 9, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextRun(tt.now, at, loc); !got.Equal(tt.want) {
				t.Errorf("NextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}
