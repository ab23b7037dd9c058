package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"wappsentinel/internal/db/dbtest"
	"wappsentinel/pkg/models"

	"gorm.io/datatypes"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newEvent(externalID string, at time.Time) *models.InboundEvent {
	return &models.InboundEvent{
		Source:     models.SourceIncoming,
		ExternalID: externalID,
		ChatID:     "77011112233@c.us",
		ChatRole:   models.ChatRoleCustomer,
		Text:       "msg " + externalID,
		MessageAt:  at,
	}
}

func TestInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	events := NewInboundEventRepository(dbtest.Open(t))

	created, err := events.InsertIfAbsent(ctx, newEvent("A1", t0))
	if err != nil || !created {
		t.Fatalf("first insert = %v, %v; want true, nil", created, err)
	}
	created, err = events.InsertIfAbsent(ctx, newEvent("A1", t0.Add(time.Minute)))
	if err != nil || created {
		t.Fatalf("duplicate insert = %v, %v; want false, nil", created, err)
	}

	stored, err := events.GetByKey(ctx, models.SourceIncoming, "A1")
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if !stored.MessageAt.Equal(t0) {
		t.Errorf("duplicate overwrote the row: message_at = %v", stored.MessageAt)
	}
}

func TestListPendingForChatOrder(t *testing.T) {
	ctx := context.Background()
	events := NewInboundEventRepository(dbtest.Open(t))

	for _, e := range []*models.InboundEvent{
		newEvent("C", t0.Add(2*time.Minute)),
		newEvent("A", t0),
		newEvent("B", t0.Add(time.Minute)),
	} {
		if _, err := events.InsertIfAbsent(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	pending, err := events.ListPendingForChat(ctx, "77011112233@c.us", models.ChatRoleCustomer)
	if err != nil {
		t.Fatalf("ListPendingForChat() error = %v", err)
	}
	var got []string
	for _, e := range pending {
		got = append(got, e.ExternalID)
	}
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("order = %v, want [A B C]", got)
	}

	if err := events.MarkProcessed(ctx, pending[0].ID, t0); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := events.MarkProcessed(ctx, pending[0].ID, t0); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second MarkProcessed() error = %v, want ErrAlreadyProcessed", err)
	}

	pending, _ = events.ListPendingForChat(ctx, "77011112233@c.us", models.ChatRoleCustomer)
	if len(pending) != 2 {
		t.Errorf("pending after processing = %d, want 2", len(pending))
	}
	if other, _ := events.ListPendingForChat(ctx, "77011112233@c.us", models.ChatRoleOperator); len(other) != 0 {
		t.Errorf("operator role pending = %d, want 0", len(other))
	}
}

func TestOutboxClaimAndPublish(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutboxRepository(dbtest.Open(t))

	for i := 0; i < 2; i++ {
		msg := &models.OutboxMessage{
			Queue:     "order-candidate-events",
			DedupeKey: "order-candidate-events:A1",
			Payload:   datatypes.JSON(`{"external_id":"A1"}`),
		}
		if err := outbox.Enqueue(ctx, msg); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if n, _ := outbox.CountPending(ctx); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	err := outbox.ClaimPending(ctx, 10, func(tx *OutboxRepository, msgs []models.OutboxMessage) error {
		for _, m := range msgs {
			if err := tx.MarkFailed(ctx, m.ID, "broker down"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if n, _ := outbox.CountPending(ctx); n != 1 {
		t.Fatalf("pending after failure = %d, want 1", n)
	}

	err = outbox.ClaimPending(ctx, 10, func(tx *OutboxRepository, msgs []models.OutboxMessage) error {
		if msgs[0].Attempts != 1 || msgs[0].LastError != "broker down" {
			t.Errorf("claimed = attempts %d, last_error %q", msgs[0].Attempts, msgs[0].LastError)
		}
		return tx.MarkPublished(ctx, msgs[0].ID, t0)
	})
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if n, _ := outbox.CountPending(ctx); n != 0 {
		t.Errorf("pending after publish = %d, want 0", n)
	}
}

func TestSaveTurnVersionGuard(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationRepository(dbtest.Open(t))

	last := t0
	conv := &models.Conversation{
		ChatID:        "77011112233@c.us",
		Status:        models.ConversationActive,
		CurrentStep:   "collect_items",
		LastMessageAt: &last,
	}
	if err := convs.SaveTurn(ctx, TurnWrite{Conversation: conv, NewConversation: true}); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if conv.Version != 1 {
		t.Fatalf("version = %d, want 1", conv.Version)
	}

	stale := *conv
	conv.CurrentStep = "collect_delivery"
	if err := convs.SaveTurn(ctx, TurnWrite{Conversation: conv}); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	stale.CurrentStep = "collect_payment"
	if err := convs.SaveTurn(ctx, TurnWrite{Conversation: &stale}); !errors.Is(err, ErrStaleConversation) {
		t.Fatalf("stale turn error = %v, want ErrStaleConversation", err)
	}

	stored, err := convs.GetActive(ctx, conv.ChatID)
	if err != nil || stored == nil {
		t.Fatalf("GetActive() = %v, %v", stored, err)
	}
	if stored.Version != 2 || stored.CurrentStep != "collect_delivery" {
		t.Errorf("stored = version %d step %s, want 2 collect_delivery", stored.Version, stored.CurrentStep)
	}
}

func TestSaveTurnValidatedDraftIsLocked(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationRepository(dbtest.Open(t))

	conv := &models.Conversation{ChatID: "77011112233@c.us", Status: models.ConversationActive, CurrentStep: "save"}
	draft := &models.DraftOrder{
		ChatID:           conv.ChatID,
		Items:            datatypes.JSONSlice[models.OrderItem]{{Name: "cookies", Quantity: "2"}},
		ValidationStatus: models.ValidationValidated,
	}
	if err := convs.SaveTurn(ctx, TurnWrite{Conversation: conv, NewConversation: true, Draft: draft}); err != nil {
		t.Fatalf("create turn: %v", err)
	}

	draft.DeliveryAddress = "changed"
	if err := convs.SaveTurn(ctx, TurnWrite{Conversation: conv, Draft: draft}); !errors.Is(err, ErrDraftLocked) {
		t.Fatalf("update validated draft error = %v, want ErrDraftLocked", err)
	}

	stored, err := convs.Draft(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	if stored.DeliveryAddress != "" {
		t.Errorf("locked draft changed: address = %q", stored.DeliveryAddress)
	}
}

func TestAbandonIdle(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationRepository(dbtest.Open(t))

	old, recent := t0.Add(-48*time.Hour), t0
	for i, at := range []*time.Time{&old, &recent} {
		conv := &models.Conversation{
			ChatID:        []string{"old@c.us", "recent@c.us"}[i],
			Status:        models.ConversationActive,
			CurrentStep:   "collect_items",
			LastMessageAt: at,
		}
		if err := convs.SaveTurn(ctx, TurnWrite{Conversation: conv, NewConversation: true}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := convs.AbandonIdle(ctx, t0.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("AbandonIdle() = %d, %v; want 1, nil", n, err)
	}
	if c, _ := convs.GetActive(ctx, "old@c.us"); c != nil {
		t.Errorf("old conversation still active")
	}
	if c, _ := convs.GetActive(ctx, "recent@c.us"); c == nil {
		t.Errorf("recent conversation was abandoned")
	}
}

func TestMarkFailedLeavesPendingSet(t *testing.T) {
	ctx := context.Background()
	events := NewInboundEventRepository(dbtest.Open(t))

	ev := newEvent("A1", t0)
	if _, err := events.InsertIfAbsent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for want := 1; want <= 2; want++ {
		n, err := events.RecordAttempt(ctx, ev.ID)
		if err != nil || n != want {
			t.Fatalf("RecordAttempt() = %d, %v; want %d", n, err, want)
		}
	}

	if err := events.MarkFailed(ctx, ev.ID, "llm unavailable", t0); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := events.MarkFailed(ctx, ev.ID, "again", t0); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second MarkFailed() error = %v, want ErrAlreadyProcessed", err)
	}

	pending, _ := events.ListPendingForChat(ctx, ev.ChatID, models.ChatRoleCustomer)
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
	stored, _ := events.GetByID(ctx, ev.ID)
	if stored.FailedAt == nil || stored.FailureReason != "llm unavailable" || stored.Attempts != 2 {
		t.Errorf("stored = %+v", stored)
	}
}
