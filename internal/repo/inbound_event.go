package repo

import (
	"context"
	"errors"
	"time"

	"wappsentinel/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAlreadyProcessed is returned when an event's processed flag was flipped before
var ErrAlreadyProcessed = errors.New("inbound event already processed")

// InboundEventRepository handles the event store
type InboundEventRepository struct {
	db *gorm.DB
}

// NewInboundEventRepository creates a new inbound event repository
func NewInboundEventRepository(db *gorm.DB) *InboundEventRepository {
	return &InboundEventRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *InboundEventRepository) WithTx(tx *gorm.DB) *InboundEventRepository {
	return &InboundEventRepository{db: tx}
}

// InsertIfAbsent stores the event unless (source, external_id) already
// exists. created is false for a duplicate; the row is left untouched.
func (r *InboundEventRepository) InsertIfAbsent(ctx context.Context, event *models.InboundEvent) (created bool, err error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetByKey gets an event by its idempotency key
func (r *InboundEventRepository) GetByKey(ctx context.Context, source, externalID string) (*models.InboundEvent, error) {
	var event models.InboundEvent
	err := r.db.WithContext(ctx).
		Where("source = ? AND external_id = ?", source, externalID).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetByID gets an event by ID
func (r *InboundEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.InboundEvent, error) {
	var event models.InboundEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkProcessed flips the processed flag. It fails with ErrAlreadyProcessed
// when the flag was already set, so a caller inside a transaction rolls back
// a duplicate application.
func (r *InboundEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.InboundEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":    true,
			"processed_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// RecordAttempt counts one failed application of the event and returns the total
func (r *InboundEventRepository) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.InboundEvent{}).
			Where("id = ?", id).
			Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.InboundEvent{}).
			Where("id = ?", id).
			Pluck("attempts", &attempts).Error
	})
	return attempts, err
}

// MarkFailed takes the event out of the pending set without applying it.
// It fails with ErrAlreadyProcessed when the event was applied meanwhile.
func (r *InboundEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.InboundEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":      true,
			"processed_at":   at,
			"failed_at":      at,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// ListPendingForChat returns the chat's unprocessed events in arrival order
func (r *InboundEventRepository) ListPendingForChat(ctx context.Context, chatID, role string) ([]models.InboundEvent, error) {
	var events []models.InboundEvent
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND chat_role = ? AND processed = ?", chatID, role, false).
		Order("message_at ASC").
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}
