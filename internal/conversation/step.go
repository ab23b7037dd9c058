// Package conversation holds the order-collection state machine.
//
// The machine is a pure function of the stored conversation, its draft
// order and one inbound message. It never reads or writes storage itself;
// the caller persists the returned Turn atomically.
package conversation

// Step is a persisted state of the order-collection graph
type Step string

const (
	StepGreet           Step = "greet"
	StepCollectItems    Step = "collect_items"
	StepCollectDelivery Step = "collect_delivery"
	StepCollectPayment  Step = "collect_payment"
	StepCollectContacts Step = "collect_contacts"
	StepValidate        Step = "validate"
	StepConfirm         Step = "confirm"
	StepSave            Step = "save"
)

// collectionSteps in the order fields are asked for
var collectionSteps = []Step{
	StepCollectItems,
	StepCollectDelivery,
	StepCollectPayment,
	StepCollectContacts,
}

var stepRank = map[Step]int{
	StepGreet:           0,
	StepCollectItems:    1,
	StepCollectDelivery: 2,
	StepCollectPayment:  3,
	StepCollectContacts: 4,
	StepValidate:        5,
	StepConfirm:         6,
	StepSave:            7,
}

// Valid reports whether s is a known step
func (s Step) Valid() bool {
	_, ok := stepRank[s]
	return ok
}

// IsCollection reports whether s collects one order field
func (s Step) IsCollection() bool {
	for _, c := range collectionSteps {
		if c == s {
			return true
		}
	}
	return false
}

// Outcome summarizes what a turn did
type Outcome string

const (
	OutcomeGreeted    Outcome = "greeted"
	OutcomeCaptured   Outcome = "captured"
	OutcomeClarified  Outcome = "clarified"
	OutcomeConfirming Outcome = "confirming"
	OutcomeReprompted Outcome = "reprompted"
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeAbandoned  Outcome = "abandoned"
)
