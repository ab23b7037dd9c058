package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wappsentinel/internal/ai"
	"wappsentinel/pkg/models"

	"github.com/google/uuid"
)

// ErrClosed is returned when a turn targets a conversation that is no longer active
var ErrClosed = errors.New("conversation is not active")

// Extractor pulls single order fields out of a message. now is the
// message timestamp and anchors relative dates.
type Extractor interface {
	ExtractItems(ctx context.Context, text string, now time.Time) (*ai.ItemsExtraction, error)
	ExtractDelivery(ctx context.Context, text string, now time.Time) (*ai.DeliveryExtraction, error)
	ExtractPayment(ctx context.Context, text string, now time.Time) (*ai.PaymentExtraction, error)
	ExtractContacts(ctx context.Context, text string, now time.Time) (*ai.ContactsExtraction, error)
}

// Snapshot is the stored state a turn starts from
type Snapshot struct {
	Conversation *models.Conversation // nil when the chat has no active conversation
	Draft        *models.DraftOrder
	Messages     []models.ConversationMessage
}

// Inbound is the customer message driving a turn
type Inbound struct {
	EventID    uuid.UUID
	ChatID     string
	SenderName string
	Text       string
	At         time.Time
}

// Turn is the result of one pass. Conversation and Draft are copies; the
// snapshot is never modified.
type Turn struct {
	Conversation    *models.Conversation
	NewConversation bool
	Draft           *models.DraftOrder // nil when no field was ever captured
	Messages        []models.ConversationMessage
	Reply           string
	From            Step
	To              Step
	Outcome         Outcome
}

// Options tune the machine
type Options struct {
	MaxRetries int
	Location   *time.Location // timezone for delivery dates and summaries
}

// Machine advances conversations
type Machine struct {
	extractor  Extractor
	maxRetries int
	loc        *time.Location
	handlers   map[Step]func(context.Context, *turnState) error
}

// NewMachine creates a state machine using extractor for field capture
func NewMachine(extractor Extractor, opts Options) *Machine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	m := &Machine{extractor: extractor, maxRetries: opts.MaxRetries, loc: opts.Location}
	m.handlers = map[Step]func(context.Context, *turnState) error{
		StepGreet:           m.greet,
		StepCollectItems:    m.collect,
		StepCollectDelivery: m.collect,
		StepCollectPayment:  m.collect,
		StepCollectContacts: m.collect,
		StepValidate:        m.validate,
		StepConfirm:         m.confirm,
	}
	return m
}

type turnState struct {
	in      Inbound
	conv    *models.Conversation
	draft   *models.DraftOrder
	step    Step
	reply   string
	outcome Outcome
}

// Advance runs exactly one pass of the graph for in, starting at the
// stored current step. Extraction failures other than a schema-invalid
// answer are returned so the caller can retry the whole turn.
func (m *Machine) Advance(ctx context.Context, snap Snapshot, in Inbound) (*Turn, error) {
	st := &turnState{in: in}
	newConv := snap.Conversation == nil

	if newConv {
		st.conv = &models.Conversation{
			ChatID:      in.ChatID,
			SenderName:  in.SenderName,
			Status:      models.ConversationActive,
			CurrentStep: string(StepGreet),
		}
	} else {
		c := *snap.Conversation
		c.Messages = nil
		c.Draft = nil
		st.conv = &c
	}
	if st.conv.Status != models.ConversationActive {
		return nil, ErrClosed
	}
	if snap.Draft != nil {
		d := *snap.Draft
		d.Items = append(d.Items[:0:0], snap.Draft.Items...)
		st.draft = &d
	}

	st.step = Step(st.conv.CurrentStep)
	from := st.step
	handler, ok := m.handlers[st.step]
	if !ok {
		if st.step == StepSave {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("unknown conversation step %q", st.step)
	}
	if err := handler(ctx, st); err != nil {
		return nil, err
	}

	if st.conv.RetryCount >= m.maxRetries && st.conv.Status == models.ConversationActive {
		st.conv.Status = models.ConversationAbandoned
		st.reply = replyHandoff
		st.outcome = OutcomeAbandoned
	}

	at := in.At
	st.conv.CurrentStep = string(st.step)
	st.conv.LastMessageAt = &at
	if in.SenderName != "" {
		st.conv.SenderName = in.SenderName
	}

	seq := len(snap.Messages)
	var eventID *uuid.UUID
	if in.EventID != uuid.Nil {
		id := in.EventID
		eventID = &id
	}
	msgs := []models.ConversationMessage{
		{Seq: seq + 1, InboundEventID: eventID, Role: models.RoleUser, Content: in.Text, SentAt: at},
		{Seq: seq + 2, Role: models.RoleAssistant, Content: st.reply, SentAt: at},
	}

	return &Turn{
		Conversation:    st.conv,
		NewConversation: newConv,
		Draft:           st.draft,
		Messages:        msgs,
		Reply:           st.reply,
		From:            from,
		To:              st.step,
		Outcome:         st.outcome,
	}, nil
}

// greet welcomes the customer and tries the first field on the same message
func (m *Machine) greet(ctx context.Context, st *turnState) error {
	st.step = StepCollectItems
	ok, err := m.capture(ctx, st, StepCollectItems)
	if err != nil {
		return err
	}
	if !ok {
		st.reply = join(replyGreeting, prompts[StepCollectItems])
		st.outcome = OutcomeGreeted
		return nil
	}
	m.afterCapture(st, StepCollectItems)
	st.reply = join(replyGreeting, st.reply)
	return nil
}

func (m *Machine) collect(ctx context.Context, st *turnState) error {
	step := st.step
	ok, err := m.capture(ctx, st, step)
	if err != nil {
		return err
	}
	if !ok {
		st.conv.RetryCount++
		st.reply = join(clarifications[step], prompts[step])
		st.outcome = OutcomeClarified
		return nil
	}
	m.afterCapture(st, step)
	return nil
}

// afterCapture moves to the next missing field, or through validate to
// confirm when everything is present
func (m *Machine) afterCapture(st *turnState, step Step) {
	st.conv.RetryCount = 0
	st.outcome = OutcomeCaptured
	if st.draft.ValidationStatus == models.ValidationRejected {
		st.draft.ValidationStatus = models.ValidationPending
	}

	if next := firstMissing(st.draft); len(next) > 0 {
		st.step = next[0]
		st.reply = join(captured[step], prompts[next[0]])
		return
	}

	st.step = StepValidate
	ack := captured[step]
	m.review(st)
	st.reply = join(ack, st.reply)
}

func (m *Machine) validate(_ context.Context, st *turnState) error {
	m.review(st)
	return nil
}

// review re-checks completeness before asking for confirmation. A missing
// field routes back to the state owning it.
func (m *Machine) review(st *turnState) {
	if missing := firstMissing(st.draft); len(missing) > 0 {
		st.step = missing[0]
		st.conv.RetryCount++
		st.reply = missingReply(missing)
		st.outcome = OutcomeClarified
		return
	}
	st.step = StepConfirm
	st.reply = Summary(st.draft, m.loc)
	st.outcome = OutcomeConfirming
}

func (m *Machine) confirm(_ context.Context, st *turnState) error {
	if len(firstMissing(st.draft)) > 0 {
		// draft lost a field since the summary was shown
		m.review(st)
		return nil
	}

	switch ClassifyAnswer(st.in.Text) {
	case AnswerYes:
		at := st.in.At
		st.draft.ValidationStatus = models.ValidationValidated
		st.draft.ConfirmedAt = &at
		st.conv.Status = models.ConversationCompleted
		st.conv.CompletedAt = &at
		st.conv.RetryCount = 0
		st.step = StepSave
		st.reply = replyThanks
		st.outcome = OutcomeConfirmed
	case AnswerNo:
		clearDraft(st.draft)
		st.draft.ValidationStatus = models.ValidationRejected
		st.conv.RetryCount = 0
		st.step = StepCollectItems
		st.reply = replyRestart
		st.outcome = OutcomeRejected
	default:
		st.conv.RetryCount++
		st.reply = join(replyAskAnswer, Summary(st.draft, m.loc))
		st.outcome = OutcomeReprompted
	}
	return nil
}

// capture runs the extractor owning step and records the field. A
// schema-invalid answer counts as "not present".
func (m *Machine) capture(ctx context.Context, st *turnState, step Step) (bool, error) {
	text := strings.TrimSpace(st.in.Text)
	if text == "" {
		return false, nil
	}
	now := st.in.At.In(m.loc)

	switch step {
	case StepCollectItems:
		res, err := m.extractor.ExtractItems(ctx, text, now)
		if err != nil || !res.Present {
			return false, degrade(err)
		}
		items := make([]models.OrderItem, 0, len(res.Items))
		for _, it := range res.Items {
			items = append(items, models.OrderItem{
				Name:     strings.TrimSpace(it.Name),
				Quantity: strings.TrimSpace(it.Quantity),
				Notes:    strings.TrimSpace(it.Notes),
			})
		}
		m.ensureDraft(st).Items = items

	case StepCollectDelivery:
		res, err := m.extractor.ExtractDelivery(ctx, text, now)
		if err != nil || !res.Present {
			return false, degrade(err)
		}
		at, perr := res.At(m.loc)
		if perr != nil {
			return false, nil
		}
		d := m.ensureDraft(st)
		d.DeliveryAt = &at
		d.DeliveryAddress = strings.TrimSpace(res.Address)

	case StepCollectPayment:
		res, err := m.extractor.ExtractPayment(ctx, text, now)
		if err != nil || !res.Present {
			return false, degrade(err)
		}
		m.ensureDraft(st).PaymentStatus = res.Status

	case StepCollectContacts:
		res, err := m.extractor.ExtractContacts(ctx, text, now)
		if err != nil || !res.Present {
			return false, degrade(err)
		}
		d := m.ensureDraft(st)
		d.ClientName = strings.TrimSpace(res.ClientName)
		d.ClientPhone = strings.TrimSpace(res.ClientPhone)
		d.AdditionalPhone = strings.TrimSpace(res.AdditionalPhone)

	default:
		return false, fmt.Errorf("step %q does not capture a field", step)
	}
	return true, nil
}

func (m *Machine) ensureDraft(st *turnState) *models.DraftOrder {
	if st.draft == nil {
		st.draft = &models.DraftOrder{
			ChatID:           st.conv.ChatID,
			ValidationStatus: models.ValidationPending,
		}
	}
	return st.draft
}

// degrade turns a schema-invalid extraction into "absent" and passes other errors on
func degrade(err error) error {
	if err == nil || errors.Is(err, ai.ErrInvalidResponse) {
		return nil
	}
	return err
}

// firstMissing lists the collection steps whose field is absent, in order
func firstMissing(d *models.DraftOrder) []Step {
	var missing []Step
	if !d.HasItems() {
		missing = append(missing, StepCollectItems)
	}
	if !d.HasDelivery() {
		missing = append(missing, StepCollectDelivery)
	}
	if !d.HasPayment() {
		missing = append(missing, StepCollectPayment)
	}
	if !d.HasContacts() {
		missing = append(missing, StepCollectContacts)
	}
	return missing
}

func clearDraft(d *models.DraftOrder) {
	d.Items = nil
	d.DeliveryAt = nil
	d.DeliveryAddress = ""
	d.PaymentStatus = ""
	d.ClientName = ""
	d.ClientPhone = ""
	d.AdditionalPhone = ""
	d.Notes = ""
	d.ConfirmedAt = nil
}
