package repo

import (
	"context"
	"errors"
	"time"

	"wappsentinel/internal/db"
	"wappsentinel/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStaleConversation means another turn committed first
	ErrStaleConversation = errors.New("conversation changed concurrently")
	// ErrDraftLocked means the draft was validated and cannot change
	ErrDraftLocked = errors.New("draft order is validated and locked")
)

// ConversationRepository handles conversations, their message log and draft orders
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetActive returns the chat's active conversation, or nil when there is none
func (r *ConversationRepository) GetActive(ctx context.Context, chatID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND status = ?", chatID, models.ConversationActive).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetByID gets a conversation with its messages and draft
func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Messages", func(tx *gorm.DB) *gorm.DB { return tx.Order("seq ASC") }).
		Preload("Draft").
		Where("id = ?", id).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages returns the conversation log in order
func (r *ConversationRepository) Messages(ctx context.Context, conversationID uuid.UUID) ([]models.ConversationMessage, error) {
	var msgs []models.ConversationMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&msgs).Error
	return msgs, err
}

// Draft returns the conversation's draft order, or nil when none was created yet
func (r *ConversationRepository) Draft(ctx context.Context, conversationID uuid.UUID) (*models.DraftOrder, error) {
	var draft models.DraftOrder
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

// TurnWrite is everything one state-machine pass changes
type TurnWrite struct {
	Conversation    *models.Conversation // Version holds the version the turn was computed from
	NewConversation bool
	Draft           *models.DraftOrder // nil when the turn captured nothing
	Messages        []models.ConversationMessage
	EventID         uuid.UUID
	ProcessedAt     time.Time
}

// SaveTurn applies a turn atomically. The conversation row is re-read under
// a row lock (postgres) and its version compared with the one the turn was
// computed from; a mismatch aborts with ErrStaleConversation. Marking the
// inbound event processed is part of the same transaction, so a turn is
// applied at most once per event.
func (r *ConversationRepository) SaveTurn(ctx context.Context, w TurnWrite) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := w.Conversation

		if w.NewConversation {
			conv.Version = 1
			if err := tx.Create(conv).Error; err != nil {
				return err
			}
		} else {
			var current models.Conversation
			q := tx.Where("id = ?", conv.ID)
			if db.IsPostgres(tx) {
				q = q.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			if err := q.First(&current).Error; err != nil {
				return err
			}
			if current.Version != conv.Version {
				return ErrStaleConversation
			}

			conv.Version++
			res := tx.Model(&models.Conversation{}).
				Where("id = ? AND version = ?", conv.ID, current.Version).
				Updates(map[string]interface{}{
					"status":          conv.Status,
					"current_step":    conv.CurrentStep,
					"retry_count":     conv.RetryCount,
					"failure_count":   0,
					"version":         conv.Version,
					"last_message_at": conv.LastMessageAt,
					"completed_at":    conv.CompletedAt,
					"sender_name":     conv.SenderName,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrStaleConversation
			}
			conv.FailureCount = 0
		}

		if d := w.Draft; d != nil {
			d.ConversationID = conv.ID
			if d.ID == uuid.Nil {
				if err := tx.Create(d).Error; err != nil {
					return err
				}
			} else {
				res := tx.Model(&models.DraftOrder{}).
					Where("id = ? AND validation_status <> ?", d.ID, models.ValidationValidated).
					Select("*").
					Omit("id", "created_at").
					Updates(d)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return ErrDraftLocked
				}
			}
		}

		if len(w.Messages) > 0 {
			for i := range w.Messages {
				w.Messages[i].ConversationID = conv.ID
			}
			if err := tx.Create(&w.Messages).Error; err != nil {
				return err
			}
		}

		if w.EventID != uuid.Nil {
			return NewInboundEventRepository(tx).MarkProcessed(ctx, w.EventID, w.ProcessedAt)
		}
		return nil
	})
}

// RecordFailure increments the consecutive failure counter and returns it
func (r *ConversationRepository) RecordFailure(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", id).
			Update("failure_count", gorm.Expr("failure_count + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", id).
			Pluck("failure_count", &count).Error
	})
	return count, err
}

// ResetFailures clears the consecutive failure counter
func (r *ConversationRepository) ResetFailures(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", id).
		Update("failure_count", 0).Error
}

// AbandonIdle marks active conversations without messages since before as abandoned
func (r *ConversationRepository) AbandonIdle(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("status = ? AND last_message_at < ?", models.ConversationActive, before).
		Updates(map[string]interface{}{
			"status":  models.ConversationAbandoned,
			"version": gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

// ListValidatedDrafts returns confirmed drafts with a delivery time in
// [from, to), earliest first
func (r *ConversationRepository) ListValidatedDrafts(ctx context.Context, from, to time.Time) ([]models.DraftOrder, error) {
	var drafts []models.DraftOrder
	err := r.db.WithContext(ctx).
		Where("validation_status = ? AND delivery_at >= ? AND delivery_at < ?", models.ValidationValidated, from, to).
		Order("delivery_at ASC").
		Find(&drafts).Error
	return drafts, err
}
