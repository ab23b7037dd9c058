package models

import (
	"time"

	"gorm.io/datatypes"
)

// Source tags identify which platform stream a message came from.
// Together with ExternalID they form the idempotency key.
const (
	SourceIncoming    = "incoming_message"
	SourceOutgoing    = "outgoing_message"
	SourceOutgoingAPI = "outgoing_api_message"
)

// Chat roles assigned by the webhook receiver
const (
	ChatRoleOperator = "operator"
	ChatRoleCustomer = "customer"
)

// InboundEvent is one persisted copy of a message received from the chat platform
type InboundEvent struct {
	BaseModel
	Source      string         `gorm:"not null;uniqueIndex:idx_inbound_events_source_external,priority:1" json:"source"`
	ExternalID  string         `gorm:"not null;uniqueIndex:idx_inbound_events_source_external,priority:2" json:"external_id"`
	ChatID      string         `gorm:"not null;index:idx_inbound_events_chat_pending,priority:1" json:"chat_id"`
	ChatRole    string         `gorm:"not null" json:"chat_role"` // operator, customer
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name"`
	MessageType string         `json:"message_type"`
	Text        string         `gorm:"type:text" json:"text"`
	MessageAt   time.Time      `gorm:"not null" json:"message_at"`
	Processed   bool           `gorm:"default:false;index:idx_inbound_events_chat_pending,priority:2" json:"processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	Payload     datatypes.JSON `json:"payload,omitempty"`

	// Attempts counts failed turns. An event that is given up on is marked
	// processed with FailedAt set, so it no longer blocks its chat.
	Attempts      int        `gorm:"default:0" json:"attempts"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	FailureReason string     `gorm:"type:text" json:"failure_reason,omitempty"`
}

// OutboxMessage is a queue publish recorded in the same transaction as the
// state change that caused it. The relay publishes it later.
type OutboxMessage struct {
	BaseModel
	Queue       string         `gorm:"not null" json:"queue"`
	RoutingKey  string         `json:"routing_key"`
	DedupeKey   string         `gorm:"uniqueIndex" json:"dedupe_key"`
	Payload     datatypes.JSON `gorm:"not null" json:"payload"`
	Attempts    int            `gorm:"default:0" json:"attempts"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
	PublishedAt *time.Time     `gorm:"index" json:"published_at,omitempty"`
}

// DeadLetter is a message permanently excluded from retry
type DeadLetter struct {
	BaseModel
	Queue      string    `gorm:"not null;index" json:"queue"`
	RoutingKey string    `json:"routing_key"`
	MessageID  string    `gorm:"uniqueIndex" json:"message_id"`
	Reason     string    `gorm:"type:text" json:"reason"`
	Attempts   int       `json:"attempts"`
	Payload    string    `gorm:"type:text" json:"payload"`
	ArchiveKey string    `json:"archive_key,omitempty"` // S3 object key when archived
	FailedAt   time.Time `json:"failed_at"`
}
