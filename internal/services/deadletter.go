package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wappsentinel/internal/queue"
	"wappsentinel/internal/repo"
	"wappsentinel/pkg/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Archiver stores a copy of a dead-letter envelope outside the database
type Archiver interface {
	PutJSON(ctx context.Context, key string, body []byte) error
}

// DeadLetterService persists messages that left the retry loop
type DeadLetterService struct {
	letters  *repo.DeadLetterRepository
	archiver Archiver // nil disables archiving
}

// NewDeadLetterService creates a new dead-letter service. archiver may be nil.
func NewDeadLetterService(db *gorm.DB, archiver Archiver) *DeadLetterService {
	return &DeadLetterService{
		letters:  repo.NewDeadLetterRepository(db),
		archiver: archiver,
	}
}

// HandleMessage is the queue handler for every <queue>.dlq
func (s *DeadLetterService) HandleMessage(ctx context.Context, msg queue.Message) error {
	env, err := queue.DecodeDeadLetter(msg.Body)
	if err != nil {
		return err
	}

	dl := &models.DeadLetter{
		Queue:      env.Queue,
		RoutingKey: env.Key,
		MessageID:  env.Queue + "/" + env.MessageID,
		Reason:     env.Reason,
		Attempts:   env.Attempts,
		Payload:    env.Payload,
		FailedAt:   env.FailedAt,
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	created, err := s.letters.Create(ctx, dl)
	if err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	if !created {
		return nil
	}

	log.Warn().
		Str("queue", env.Queue).
		Str("key", env.Key).
		Int("attempt", env.Attempts).
		Str("reason", env.Reason).
		Msg("Dead letter stored")

	if s.archiver != nil {
		s.archive(ctx, dl, msg.Body)
	}
	return nil
}

// archive is best effort: the row already holds the full envelope
func (s *DeadLetterService) archive(ctx context.Context, dl *models.DeadLetter, body []byte) {
	key := ArchiveKey(dl)
	if err := s.archiver.PutJSON(ctx, key, body); err != nil {
		log.Error().Err(err).Str("dead_letter_id", dl.ID.String()).Msg("Failed to archive dead letter")
		return
	}
	if err := s.letters.SetArchiveKey(ctx, dl.ID, key); err != nil {
		log.Error().Err(err).Str("dead_letter_id", dl.ID.String()).Msg("Failed to record archive key")
		return
	}
	dl.ArchiveKey = key
}

// ArchiveKey returns dead-letters/<queue>/<yyyy>/<mm>/<dd>/<id>.json
func ArchiveKey(dl *models.DeadLetter) string {
	q := strings.TrimSuffix(dl.Queue, ".dlq")
	return fmt.Sprintf("dead-letters/%s/%s/%s.json", q, dl.FailedAt.UTC().Format("2006/01/02"), dl.ID)
}

// List returns stored dead letters, newest first
func (s *DeadLetterService) List(ctx context.Context, queueName string, page, perPage int) (*models.PaginationResult[models.DeadLetter], error) {
	return s.letters.List(ctx, queueName, page, perPage)
}
