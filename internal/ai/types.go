package ai

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	clockLayout    = "15:04"
	dateTimeLayout = "2006-01-02 15:04:05"
)

// Item is one product line as returned by the model
type Item struct {
	Name     string `json:"name" validate:"required" description:"Product name without the quantity"`
	Quantity string `json:"quantity" description:"Amount with its unit exactly as written, e.g. 2kg, 3 boxes; empty if not stated"`
	Notes    string `json:"notes" description:"Extra wishes for this item; empty if none"`
}

// ItemsExtraction answers "which products does the customer want"
type ItemsExtraction struct {
	Present bool   `json:"present" description:"True only if the message names at least one product"`
	Items   []Item `json:"items" validate:"dive"`
}

func (e *ItemsExtraction) check() error {
	if e.Present && len(e.Items) == 0 {
		return fmt.Errorf("present without items")
	}
	return nil
}

// DeliveryExtraction answers "when and where to deliver"
type DeliveryExtraction struct {
	Present bool   `json:"present" description:"True only if a delivery date can be determined"`
	Date    string `json:"date" description:"Delivery date as YYYY-MM-DD resolved against the current date; empty if absent"`
	Time    string `json:"time" description:"Delivery time as HH:MM in 24h format; empty if not stated"`
	Address string `json:"address" description:"Delivery address as written; empty if not stated"`
}

func (e *DeliveryExtraction) check() error {
	if !e.Present {
		return nil
	}
	if _, err := time.Parse(dateLayout, e.Date); err != nil {
		return fmt.Errorf("bad date %q", e.Date)
	}
	if e.Time != "" {
		if _, err := time.Parse(clockLayout, e.Time); err != nil {
			return fmt.Errorf("bad time %q", e.Time)
		}
	}
	return nil
}

// At returns the delivery moment in loc. A missing time defaults to noon.
func (e *DeliveryExtraction) At(loc *time.Location) (time.Time, error) {
	clock := e.Time
	if clock == "" {
		clock = "12:00"
	}
	return time.ParseInLocation(dateLayout+" "+clockLayout, e.Date+" "+clock, loc)
}

// PaymentExtraction answers "has the order been paid"
type PaymentExtraction struct {
	Present bool   `json:"present" description:"True only if the message says anything about payment"`
	Status  string `json:"status" validate:"omitempty,oneof=paid unpaid unknown" description:"paid, unpaid (pay on delivery/later) or unknown; empty if absent"`
}

func (e *PaymentExtraction) check() error {
	if e.Present && e.Status == "" {
		return fmt.Errorf("present without status")
	}
	return nil
}

// ContactsExtraction answers "who receives the order"
type ContactsExtraction struct {
	Present         bool   `json:"present" description:"True if a client name or phone number is given"`
	ClientName      string `json:"client_name" description:"Client name; empty if absent"`
	ClientPhone     string `json:"client_phone" description:"Primary phone number, digits only; empty if absent"`
	AdditionalPhone string `json:"additional_phone" description:"Second phone number, digits only; empty if absent"`
}

func (e *ContactsExtraction) check() error {
	if e.Present && strings.TrimSpace(e.ClientName) == "" && strings.TrimSpace(e.ClientPhone) == "" {
		return fmt.Errorf("present without name or phone")
	}
	return nil
}

// OrderTranscription is the fixed schema for one-shot operator transcription
type OrderTranscription struct {
	DeliveryDateTime       string `json:"delivery_datetime" description:"YYYY-MM-DD HH:MM:SS resolved against the message date; empty if absent"`
	PaymentStatus          string `json:"payment_status" validate:"required,oneof=paid unpaid unknown"`
	ContactNumberPrimary   string `json:"contact_number_primary" description:"Digits only; empty if absent"`
	ContactNumberSecondary string `json:"contact_number_secondary" description:"Digits only; empty if absent"`
	ClientName             string `json:"client_name" description:"Empty if absent"`
	Items                  []Item `json:"items" validate:"dive"`
	AcceptedBy             string `json:"accepted_by" description:"Name of the staff member who took the order; empty if absent"`
	Confidence             string `json:"confidence" validate:"required,oneof=high medium low" enum:"high,medium,low"`
}

func (t *OrderTranscription) check() error {
	if t.DeliveryDateTime == "" {
		return nil
	}
	if _, err := time.Parse(dateTimeLayout, t.DeliveryDateTime); err != nil {
		return fmt.Errorf("bad delivery_datetime %q", t.DeliveryDateTime)
	}
	return nil
}

// DeliveryAt parses the delivery moment in loc, nil when absent
func (t *OrderTranscription) DeliveryAt(loc *time.Location) *time.Time {
	if t.DeliveryDateTime == "" {
		return nil
	}
	at, err := time.ParseInLocation(dateTimeLayout, t.DeliveryDateTime, loc)
	if err != nil {
		return nil
	}
	return &at
}

// ScoreConfidence grades a transcription by how many of delivery date,
// items and contact were found: all three high, two medium, fewer low.
func ScoreConfidence(t *OrderTranscription) string {
	found := 0
	if t.DeliveryDateTime != "" {
		found++
	}
	if len(t.Items) > 0 {
		found++
	}
	if t.ContactNumberPrimary != "" || t.ContactNumberSecondary != "" {
		found++
	}
	switch {
	case found == 3:
		return "high"
	case found == 2:
		return "medium"
	default:
		return "low"
	}
}
