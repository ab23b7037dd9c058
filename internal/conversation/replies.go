package conversation

import (
	"fmt"
	"strings"
	"time"

	"wappsentinel/pkg/models"
)

const (
	replyGreeting  = "Hello! I will help you place an order."
	replyThanks    = "Thank you, your order is accepted! We will contact you before delivery."
	replyRestart   = "No problem, let's start over. What would you like to order?"
	replyAskAnswer = "Please answer Yes to confirm the order or No to change it."
	replyHandoff   = "Sorry, I could not complete your order automatically. Our manager will contact you shortly."
	replyApology   = "Sorry, we are having technical difficulties. Please send your message again in a few minutes."
)

// ApologyReply is sent after repeated failed turns
func ApologyReply() string { return replyApology }

var prompts = map[Step]string{
	StepCollectItems:    "What would you like to order? Please list the items and quantities.",
	StepCollectDelivery: "When and where should we deliver? Please give the date, time and address.",
	StepCollectPayment:  "How will you pay: already paid, or payment on delivery?",
	StepCollectContacts: "Please send the recipient's name and phone number.",
}

var clarifications = map[Step]string{
	StepCollectItems:    "Sorry, I could not find any items in your message.",
	StepCollectDelivery: "Sorry, I could not understand the delivery date.",
	StepCollectPayment:  "Sorry, I could not understand the payment information.",
	StepCollectContacts: "Sorry, I could not find a name or phone number.",
}

var captured = map[Step]string{
	StepCollectItems:    "Got your items.",
	StepCollectDelivery: "Got the delivery details.",
	StepCollectPayment:  "Got the payment information.",
	StepCollectContacts: "Got the contacts.",
}

var fieldNames = map[Step]string{
	StepCollectItems:    "items",
	StepCollectDelivery: "delivery date",
	StepCollectPayment:  "payment status",
	StepCollectContacts: "contacts",
}

func join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func missingReply(missing []Step) string {
	names := make([]string, 0, len(missing))
	for _, s := range missing {
		names = append(names, fieldNames[s])
	}
	return join(
		fmt.Sprintf("Some order details are still missing: %s.", strings.Join(names, ", ")),
		prompts[missing[0]],
	)
}

// Summary renders every collected field in a fixed layout
func Summary(d *models.DraftOrder, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Please check your order:\n")

	b.WriteString("Items:\n")
	for _, it := range d.Items {
		b.WriteString("- ")
		b.WriteString(it.Name)
		if it.Quantity != "" {
			b.WriteString(", ")
			b.WriteString(it.Quantity)
		}
		if it.Notes != "" {
			b.WriteString(" (")
			b.WriteString(it.Notes)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}

	delivery := "not specified"
	if d.DeliveryAt != nil {
		delivery = d.DeliveryAt.In(loc).Format("2006-01-02 15:04")
	}
	if d.DeliveryAddress != "" {
		delivery += ", " + d.DeliveryAddress
	}
	fmt.Fprintf(&b, "Delivery: %s\n", delivery)
	fmt.Fprintf(&b, "Payment: %s\n", d.PaymentStatus)

	contacts := []string{}
	for _, s := range []string{d.ClientName, d.ClientPhone, d.AdditionalPhone} {
		if s != "" {
			contacts = append(contacts, s)
		}
	}
	fmt.Fprintf(&b, "Client: %s\n", strings.Join(contacts, ", "))

	b.WriteString("\nAll correct? (Yes/No)")
	return b.String()
}
