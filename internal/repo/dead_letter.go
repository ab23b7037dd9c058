package repo

import (
	"context"

	"wappsentinel/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeadLetterRepository handles dead-lettered messages
type DeadLetterRepository struct {
	db *gorm.DB
}

// NewDeadLetterRepository creates a new dead letter repository
func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Create stores a dead letter; a repeat of the same message id is ignored
func (r *DeadLetterRepository) Create(ctx context.Context, dl *models.DeadLetter) (created bool, err error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(dl)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetArchiveKey records where the envelope was archived
func (r *DeadLetterRepository) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	return r.db.WithContext(ctx).
		Model(&models.DeadLetter{}).
		Where("id = ?", id).
		Update("archive_key", key).Error
}

// List returns dead letters newest first, optionally filtered by queue
func (r *DeadLetterRepository) List(ctx context.Context, queue string, page, perPage int) (*models.PaginationResult[models.DeadLetter], error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	scope := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.DeadLetter{})
		if queue != "" {
			q = q.Where("queue = ?", queue)
		}
		return q
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, err
	}

	var items []models.DeadLetter
	err := scope().Order("failed_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	return &models.PaginationResult[models.DeadLetter]{
		Data:       items,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: int((total + int64(perPage) - 1) / int64(perPage)),
	}, nil
}
