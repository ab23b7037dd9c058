package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wappsentinel/internal/queue"
	"wappsentinel/internal/repo"
	"wappsentinel/pkg/models"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// IngestionService persists operator messages and hands them to the
// transcription worker through the outbox
type IngestionService struct {
	db     *gorm.DB
	events *repo.InboundEventRepository
	outbox *repo.OutboxRepository
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(db *gorm.DB) *IngestionService {
	return &IngestionService{
		db:     db,
		events: repo.NewInboundEventRepository(db),
		outbox: repo.NewOutboxRepository(db),
	}
}

// HandleMessage is the queue handler for raw-operator-events
func (s *IngestionService) HandleMessage(ctx context.Context, msg queue.Message) error {
	ev, err := queue.DecodeRawEvent(msg.Body)
	if err != nil {
		return err
	}
	if ev.ChatRole != models.ChatRoleOperator {
		return queue.Permanent(fmt.Errorf("event %s routed to operator queue with role %s", ev.ExternalID, ev.ChatRole))
	}

	created, err := s.Ingest(ctx, ev)
	if err != nil {
		return err
	}
	if !created {
		log.Info().Str("chat_id", ev.ChatID).Str("external_id", ev.ExternalID).Msg("Duplicate operator event skipped")
	}
	return nil
}

// Ingest stores the event and, when it is new, enqueues the transcription
// candidate in the same transaction. created is false for a duplicate.
func (s *IngestionService) Ingest(ctx context.Context, ev queue.RawEvent) (created bool, err error) {
	event := inboundEventFromRaw(ev)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err = s.events.WithTx(tx).InsertIfAbsent(ctx, event)
		if err != nil {
			return fmt.Errorf("insert inbound event: %w", err)
		}
		if !created {
			return nil
		}

		payload, err := json.Marshal(queue.Candidate{
			InboundEventID: event.ID.String(),
			Source:         event.Source,
			ExternalID:     event.ExternalID,
			ChatID:         event.ChatID,
			Text:           event.Text,
			MessageAt:      event.MessageAt,
		})
		if err != nil {
			return fmt.Errorf("marshal candidate: %w", err)
		}

		return s.outbox.WithTx(tx).Enqueue(ctx, &models.OutboxMessage{
			Queue:      queue.OrderCandidateEvents,
			RoutingKey: event.ChatID,
			DedupeKey:  queue.OrderCandidateEvents + ":" + event.ID.String(),
			Payload:    datatypes.JSON(payload),
		})
	})
	if err != nil {
		return false, err
	}

	if created {
		log.Info().
			Str("chat_id", event.ChatID).
			Str("event_id", event.ID.String()).
			Msg("Operator event stored")
	}
	return created, nil
}

func inboundEventFromRaw(ev queue.RawEvent) *models.InboundEvent {
	event := &models.InboundEvent{
		Source:      ev.Source,
		ExternalID:  ev.ExternalID,
		ChatID:      ev.ChatID,
		ChatRole:    ev.ChatRole,
		SenderID:    ev.SenderID,
		SenderName:  ev.SenderName,
		MessageType: ev.MessageType,
		Text:        ev.Text,
		MessageAt:   ev.Timestamp.UTC(),
	}
	if len(ev.Payload) > 0 && json.Valid(ev.Payload) {
		event.Payload = datatypes.JSON(ev.Payload)
	}
	return event
}

// OutboxRelay publishes outbox rows to their queues
type OutboxRelay struct {
	outbox    *repo.OutboxRepository
	publisher queue.Publisher
	interval  time.Duration
	batchSize int
}

// NewOutboxRelay creates a relay polling every interval
func NewOutboxRelay(db *gorm.DB, publisher queue.Publisher, interval time.Duration) *OutboxRelay {
	return &OutboxRelay{
		outbox:    repo.NewOutboxRepository(db),
		publisher: publisher,
		interval:  interval,
		batchSize: 50,
	}
}

// Run polls until ctx is done
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("Outbox relay started")
	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Outbox relay pass failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many rows were published.
// A failed publish leaves the row pending with its attempt count raised.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.outbox.ClaimPending(ctx, r.batchSize, func(tx *repo.OutboxRepository, msgs []models.OutboxMessage) error {
		for _, m := range msgs {
			if err := r.publisher.Publish(ctx, m.Queue, m.RoutingKey, m.Payload); err != nil {
				log.Warn().Err(err).Str("queue", m.Queue).Str("outbox_id", m.ID.String()).Msg("Outbox publish failed")
				if err := tx.MarkFailed(ctx, m.ID, err.Error()); err != nil {
					return err
				}
				continue
			}
			if err := tx.MarkPublished(ctx, m.ID, time.Now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}
