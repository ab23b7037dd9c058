package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Conversation statuses
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
	ConversationAbandoned = "abandoned"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Payment statuses
const (
	PaymentPaid    = "paid"
	PaymentUnpaid  = "unpaid"
	PaymentUnknown = "unknown"
)

// Draft validation statuses
const (
	ValidationPending   = "pending"
	ValidationValidated = "validated"
	ValidationRejected  = "rejected"
)

// Conversation is the stateful multi-turn exchange collecting one customer order.
// At most one active conversation exists per chat (partial unique index).
type Conversation struct {
	BaseModel
	ChatID        string     `gorm:"not null;index" json:"chat_id"`
	SenderName    string     `json:"sender_name"`
	Status        string     `gorm:"not null;default:'active'" json:"status"`      // active, completed, abandoned
	CurrentStep   string     `gorm:"not null;default:'greet'" json:"current_step"` // greet, collect_items, ... save
	RetryCount    int        `gorm:"default:0" json:"retry_count"`
	FailureCount  int        `gorm:"default:0" json:"failure_count"`
	Version       int        `gorm:"not null;default:1" json:"version"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Messages []ConversationMessage `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
	Draft    *DraftOrder           `gorm:"foreignKey:ConversationID" json:"draft,omitempty"`
}

// ConversationMessage is an append-only log entry of a conversation
type ConversationMessage struct {
	BaseModel
	ConversationID uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_conversation_messages_seq,priority:1;constraint:OnDelete:CASCADE" json:"conversation_id"`
	Seq            int        `gorm:"not null;uniqueIndex:idx_conversation_messages_seq,priority:2" json:"seq"`
	InboundEventID *uuid.UUID `gorm:"type:uuid" json:"inbound_event_id,omitempty"`
	Role           string     `gorm:"not null" json:"role"` // user, assistant
	Content        string     `gorm:"type:text;not null" json:"content"`
	SentAt         time.Time  `gorm:"not null" json:"sent_at"`
}

// OrderItem is one ordered product line. Quantity is free text ("2kg", "3 boxes").
type OrderItem struct {
	Name     string `json:"name" validate:"required"`
	Quantity string `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

// DraftOrder holds the fields collected so far by a conversation.
// Completeness is derived from field presence, never stored.
type DraftOrder struct {
	BaseModel
	ConversationID   uuid.UUID                      `gorm:"type:uuid;not null;uniqueIndex;constraint:OnDelete:CASCADE" json:"conversation_id"`
	ChatID           string                         `gorm:"not null;index" json:"chat_id"`
	Items            datatypes.JSONSlice[OrderItem] `json:"items"`
	DeliveryAt       *time.Time                     `gorm:"index" json:"delivery_at"`
	DeliveryAddress  string                         `json:"delivery_address"`
	PaymentStatus    string                         `json:"payment_status"` // paid, unpaid, unknown; empty until captured
	ClientName       string                         `json:"client_name"`
	ClientPhone      string                         `json:"client_phone"`
	AdditionalPhone  string                         `json:"additional_phone"`
	Notes            string                         `gorm:"type:text" json:"notes"`
	ValidationStatus string                         `gorm:"not null;default:'pending'" json:"validation_status"` // pending, validated, rejected
	ConfirmedAt      *time.Time                     `json:"confirmed_at,omitempty"`
}

// HasItems reports whether at least one item was captured
func (d *DraftOrder) HasItems() bool {
	return d != nil && len(d.Items) > 0
}

// HasDelivery reports whether a delivery date was captured
func (d *DraftOrder) HasDelivery() bool {
	return d != nil && d.DeliveryAt != nil
}

// HasPayment reports whether a payment status was captured
func (d *DraftOrder) HasPayment() bool {
	return d != nil && d.PaymentStatus != ""
}

// HasContacts reports whether a client name or phone was captured
func (d *DraftOrder) HasContacts() bool {
	return d != nil && (d.ClientName != "" || d.ClientPhone != "")
}

// IsComplete reports whether all four required fields are present
func (d *DraftOrder) IsComplete() bool {
	return d.HasItems() && d.HasDelivery() && d.HasPayment() && d.HasContacts()
}

// IsLocked reports whether the draft can no longer be changed
func (d *DraftOrder) IsLocked() bool {
	return d != nil && d.ValidationStatus == ValidationValidated
}
