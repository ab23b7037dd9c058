package ai

import (
	"fmt"
	"time"
)

const fieldPreamble = `You extract one field of a food delivery order from a customer's chat message.
Answer only with the JSON object described by the schema. Never invent data:
if the message does not contain the field, set "present" to false and leave the other fields empty.`

func itemsInstruction() string {
	return fieldPreamble + `
Field: the products the customer wants, each with its quantity exactly as written (e.g. "2kg", "3 boxes").
Greetings and questions without product names are not items.`
}

func deliveryInstruction(now time.Time) string {
	return fmt.Sprintf(`%s
Field: delivery date, time and address.
Current date and time: %s (%s). Resolve relative dates like "tomorrow" against it.
A delivery date is required for "present" to be true; time and address may be empty.`,
		fieldPreamble, now.Format("2006-01-02 15:04"), now.Weekday())
}

func paymentInstruction() string {
	return fieldPreamble + `
Field: payment status. "paid" if the customer says it is already paid or prepaid,
"unpaid" for cash/pay on delivery/pay later, "unknown" if payment is mentioned but unclear.`
}

func contactsInstruction() string {
	return fieldPreamble + `
Field: the recipient's name and phone numbers. Keep phone digits only.`
}

func transcriptionInstruction(messageAt time.Time) string {
	return fmt.Sprintf(`You transcribe an order written by a shop operator into structured fields.
The message was written at %s. Resolve relative dates against it.
Return "unknown" payment_status when payment is not mentioned.
Set confidence to "high" when delivery date, items and a contact are all present,
"medium" when two of them are present and "low" otherwise.
Leave any field you cannot find empty; never invent data.`, messageAt.Format("2006-01-02 15:04"))
}
