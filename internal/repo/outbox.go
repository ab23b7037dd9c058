package repo

import (
	"context"
	"time"

	"wappsentinel/internal/db"
	"wappsentinel/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxRepository handles the transactional outbox
type OutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *OutboxRepository) WithTx(tx *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: tx}
}

// Enqueue records a message to publish. A second message with the same
// dedupe key is ignored.
func (r *OutboxRepository) Enqueue(ctx context.Context, msg *models.OutboxMessage) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(msg).Error
}

// ClaimPending runs fn over up to limit unpublished messages, oldest first,
// inside one transaction. On postgres the rows are locked with SKIP LOCKED
// so concurrent relays never publish the same row twice.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int, fn func(tx *OutboxRepository, msgs []models.OutboxMessage) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("published_at IS NULL").Order("created_at ASC").Limit(limit)
		if db.IsPostgres(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var msgs []models.OutboxMessage
		if err := q.Find(&msgs).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		return fn(&OutboxRepository{db: tx}, msgs)
	})
}

// MarkPublished stamps a message as published
func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Update("published_at", at).Error
}

// MarkFailed records a failed publish attempt
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
}

// CountPending returns how many messages wait for the relay
func (r *OutboxRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("published_at IS NULL").
		Count(&count).Error
	return count, err
}
