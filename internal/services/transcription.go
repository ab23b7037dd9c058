package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wappsentinel/internal/ai"
	"wappsentinel/internal/queue"
	"wappsentinel/internal/repo"
	"wappsentinel/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OrderTranscriber extracts the fixed order schema from free text
type OrderTranscriber interface {
	Transcribe(ctx context.Context, text string, messageAt time.Time) (*ai.OrderTranscription, string, error)
}

// TranscriptionService turns order candidates into structured orders
type TranscriptionService struct {
	orders      *repo.StructuredOrderRepository
	transcriber OrderTranscriber
	location    *time.Location
	now         func() time.Time
}

// NewTranscriptionService creates a new transcription service. Delivery
// times without a zone are read in loc.
func NewTranscriptionService(db *gorm.DB, transcriber OrderTranscriber, loc *time.Location) *TranscriptionService {
	if loc == nil {
		loc = time.UTC
	}
	return &TranscriptionService{
		orders:      repo.NewStructuredOrderRepository(db),
		transcriber: transcriber,
		location:    loc,
		now:         time.Now,
	}
}

// HandleMessage is the queue handler for order-candidate-events
func (s *TranscriptionService) HandleMessage(ctx context.Context, msg queue.Message) error {
	c, err := queue.DecodeCandidate(msg.Body)
	if err != nil {
		return err
	}
	_, err = s.Transcribe(ctx, c)
	return err
}

// Transcribe stores the structured order for a candidate. It returns nil
// without calling the model when the source message was already
// transcribed. A response that does not match the schema is stored as a
// low-confidence placeholder; transport failures are returned for retry.
func (s *TranscriptionService) Transcribe(ctx context.Context, c queue.Candidate) (*models.StructuredOrder, error) {
	logger := log.With().Str("chat_id", c.ChatID).Str("external_id", c.ExternalID).Logger()

	exists, err := s.orders.Exists(ctx, c.Source, c.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("check structured order: %w", err)
	}
	if exists {
		logger.Info().Msg("Candidate already transcribed")
		return nil, nil
	}

	eventID, err := uuid.Parse(c.InboundEventID)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("bad inbound event id: %w", err))
	}

	order := &models.StructuredOrder{
		Source:         c.Source,
		ExternalID:     c.ExternalID,
		InboundEventID: eventID,
		ChatID:         c.ChatID,
		AcceptedAt:     c.MessageAt.UTC(),
		RawText:        c.Text,
		PaymentStatus:  models.PaymentUnknown,
	}

	result, raw, err := s.transcriber.Transcribe(ctx, c.Text, c.MessageAt.In(s.location))
	switch {
	case errors.Is(err, ai.ErrInvalidResponse):
		order.Confidence = models.ConfidenceLow
		order.ParseError = err.Error()
		logger.Warn().Err(err).Msg("Transcription stored as placeholder")
	case err != nil:
		return nil, fmt.Errorf("transcribe %s: %w", c.ExternalID, err)
	default:
		applyTranscription(order, result, s.location)
	}
	order.LLMResponse = rawJSON(raw)

	created, err := s.orders.CreateAndMarkProcessed(ctx, order, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("store structured order: %w", err)
	}
	if !created {
		logger.Info().Msg("Structured order stored concurrently, skipping")
		return nil, nil
	}

	logger.Info().
		Str("order_id", order.ID.String()).
		Str("confidence", order.Confidence).
		Bool("placeholder", order.Placeholder()).
		Msg("Structured order stored")
	return order, nil
}

func applyTranscription(order *models.StructuredOrder, t *ai.OrderTranscription, loc *time.Location) {
	if at := t.DeliveryAt(loc); at != nil {
		utc := at.UTC()
		order.DeliveryAt = &utc
	}
	order.PaymentStatus = t.PaymentStatus
	order.ContactPrimary = t.ContactNumberPrimary
	order.ContactSecondary = t.ContactNumberSecondary
	order.ClientName = t.ClientName
	order.AcceptedBy = t.AcceptedBy
	order.Confidence = t.Confidence

	items := make([]models.OrderItem, 0, len(t.Items))
	for _, it := range t.Items {
		items = append(items, models.OrderItem{Name: it.Name, Quantity: it.Quantity, Notes: it.Notes})
	}
	order.Items = items
}

// rawJSON keeps the model output as a JSON column, quoting it when it is
// not valid JSON
func rawJSON(raw string) datatypes.JSON {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return datatypes.JSON(raw)
	}
	b, _ := json.Marshal(raw)
	return datatypes.JSON(b)
}
