package repo

import (
	"context"
	"time"

	"wappsentinel/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StructuredOrderRepository handles operator transcriptions
type StructuredOrderRepository struct {
	db *gorm.DB
}

// NewStructuredOrderRepository creates a new structured order repository
func NewStructuredOrderRepository(db *gorm.DB) *StructuredOrderRepository {
	return &StructuredOrderRepository{db: db}
}

// Exists reports whether the source message was already transcribed
func (r *StructuredOrderRepository) Exists(ctx context.Context, source, externalID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.StructuredOrder{}).
		Where("source = ? AND external_id = ?", source, externalID).
		Count(&count).Error
	return count > 0, err
}

// CreateAndMarkProcessed inserts the order and flips the source event's
// processed flag in one transaction. created is false when another worker
// already stored an order for the same source message; nothing changes then.
func (r *StructuredOrderRepository) CreateAndMarkProcessed(ctx context.Context, order *models.StructuredOrder, processedAt time.Time) (created bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(order)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		return tx.Model(&models.InboundEvent{}).
			Where("id = ?", order.InboundEventID).
			Updates(map[string]interface{}{
				"processed":    true,
				"processed_at": processedAt,
			}).Error
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// ListDeliveringBetween returns transcribed orders with a delivery time in
// [from, to), earliest first. Placeholders carry no delivery time and are
// never returned.
func (r *StructuredOrderRepository) ListDeliveringBetween(ctx context.Context, from, to time.Time) ([]models.StructuredOrder, error) {
	var orders []models.StructuredOrder
	err := r.db.WithContext(ctx).
		Where("delivery_at >= ? AND delivery_at < ?", from, to).
		Order("delivery_at ASC").
		Find(&orders).Error
	return orders, err
}

// Count returns the number of transcribed orders
func (r *StructuredOrderRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.StructuredOrder{}).Count(&count).Error
	return count, err
}
