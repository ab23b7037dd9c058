package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Transcription confidence tiers
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// StructuredOrder is an order transcribed in one shot from an operator message.
// Rows are never updated after creation.
type StructuredOrder struct {
	BaseModel
	Source           string                         `gorm:"not null;uniqueIndex:idx_structured_orders_source_external,priority:1" json:"source"`
	ExternalID       string                         `gorm:"not null;uniqueIndex:idx_structured_orders_source_external,priority:2" json:"external_id"`
	InboundEventID   uuid.UUID                      `gorm:"type:uuid;not null;index" json:"inbound_event_id"`
	ChatID           string                         `gorm:"index" json:"chat_id"`
	AcceptedAt       time.Time                      `json:"accepted_at"`
	DeliveryAt       *time.Time                     `gorm:"index" json:"delivery_at"`
	PaymentStatus    string                         `gorm:"default:'unknown'" json:"payment_status"` // paid, unpaid, unknown
	ContactPrimary   string                         `json:"contact_primary"`
	ContactSecondary string                         `json:"contact_secondary"`
	ClientName       string                         `json:"client_name"`
	AcceptedBy       string                         `json:"accepted_by"`
	Items            datatypes.JSONSlice[OrderItem] `json:"items"`
	Confidence       string                         `gorm:"not null" json:"confidence"` // high, medium, low
	RawText          string                         `gorm:"type:text" json:"raw_text"`
	LLMResponse      datatypes.JSON                 `json:"llm_response,omitempty"`
	ParseError       string                         `gorm:"type:text" json:"parse_error,omitempty"`
}

// Placeholder reports whether the row records a failed extraction
func (o *StructuredOrder) Placeholder() bool {
	return o.ParseError != ""
}
