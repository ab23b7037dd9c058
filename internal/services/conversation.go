package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wappsentinel/internal/conversation"
	"wappsentinel/internal/lock"
	"wappsentinel/internal/queue"
	"wappsentinel/internal/repo"
	"wappsentinel/pkg/models"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
)

// MessageSender delivers a text message to a chat
type MessageSender interface {
	SendTextMessage(ctx context.Context, chatID, text string) (string, error)
}

// ConversationOptions tune the conversation worker
type ConversationOptions struct {
	LockTTL      time.Duration
	ApologyAfter int
	MaxAttempts  int // failed turns before an event is given up on
}

// ConversationService applies customer messages to their conversation, one
// state-machine pass per message, serialized per chat
type ConversationService struct {
	events  *repo.InboundEventRepository
	convs   *repo.ConversationRepository
	machine *conversation.Machine
	locker  lock.Locker
	sender  MessageSender
	opts    ConversationOptions
	now     func() time.Time
}

var turnCounter metric.Int64Counter

func init() {
	var err error
	turnCounter, err = otel.Meter("wappsentinel/conversation").Int64Counter(
		"conversation.turns",
		metric.WithDescription("Conversation turns by outcome"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create conversation turns counter")
	}
}

// NewConversationService creates a new conversation service
func NewConversationService(db *gorm.DB, machine *conversation.Machine, locker lock.Locker, sender MessageSender, opts ConversationOptions) *ConversationService {
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.ApologyAfter <= 0 {
		opts.ApologyAfter = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &ConversationService{
		events:  repo.NewInboundEventRepository(db),
		convs:   repo.NewConversationRepository(db),
		machine: machine,
		locker:  locker,
		sender:  sender,
		opts:    opts,
		now:     time.Now,
	}
}

// HandleMessage is the queue handler for raw-customer-events. The event is
// stored first; the chat's pending events are then applied in timestamp
// order, so a delivery whose event was already applied by another worker
// finds nothing to do. When this delivery's own event is given up on, the
// message is dead-lettered.
func (s *ConversationService) HandleMessage(ctx context.Context, msg queue.Message) error {
	ev, err := queue.DecodeRawEvent(msg.Body)
	if err != nil {
		return err
	}
	if ev.ChatRole != models.ChatRoleCustomer {
		return queue.Permanent(fmt.Errorf("event %s routed to customer queue with role %s", ev.ExternalID, ev.ChatRole))
	}

	event := inboundEventFromRaw(ev)
	if _, err := s.events.InsertIfAbsent(ctx, event); err != nil {
		return fmt.Errorf("insert inbound event: %w", err)
	}

	res, err := s.drain(ctx, ev.ChatID)
	if err != nil {
		return err
	}
	if cause, ok := res.failed[eventKey(event)]; ok {
		return queue.Permanent(fmt.Errorf("event %s given up: %w", ev.ExternalID, cause))
	}
	return nil
}

// ProcessChat applies every unprocessed event of the chat under the chat
// lock and returns how many turns were committed. A failing event stops the
// drain so later messages never overtake it, unless it is given up on.
func (s *ConversationService) ProcessChat(ctx context.Context, chatID string) (int, error) {
	res, err := s.drain(ctx, chatID)
	return res.applied, err
}

type drainResult struct {
	applied int
	failed  map[string]error // given-up events by source/external id
}

func eventKey(e *models.InboundEvent) string {
	return e.Source + "/" + e.ExternalID
}

func (s *ConversationService) drain(ctx context.Context, chatID string) (drainResult, error) {
	res := drainResult{failed: make(map[string]error)}

	lease, err := s.locker.Acquire(ctx, lock.ChatKey(chatID), s.opts.LockTTL)
	if err != nil {
		return res, fmt.Errorf("lock chat %s: %w", chatID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to release chat lock")
		}
	}()

	pending, err := s.events.ListPendingForChat(ctx, chatID, models.ChatRoleCustomer)
	if err != nil {
		return res, fmt.Errorf("list pending events: %w", err)
	}

	for i := range pending {
		event := &pending[i]
		// each turn may take up to the LLM timeout
		if i > 0 {
			if err := lease.Refresh(ctx, s.opts.LockTTL); err != nil {
				return res, fmt.Errorf("refresh chat lock %s: %w", chatID, err)
			}
		}

		ok, err := s.applyEvent(ctx, event)
		if err != nil {
			if !s.giveUp(ctx, event, err) {
				return res, err
			}
			res.failed[eventKey(event)] = err
			continue
		}
		if ok {
			res.applied++
		}
	}
	return res, nil
}

// giveUp reports whether a failed event was taken out of the pending set.
// Permanent failures are given up at once, others after MaxAttempts failed
// turns.
func (s *ConversationService) giveUp(ctx context.Context, event *models.InboundEvent, cause error) bool {
	logger := log.With().Str("chat_id", event.ChatID).Str("event_id", event.ID.String()).Logger()

	attempts := event.Attempts
	if !queue.IsPermanent(cause) {
		n, err := s.events.RecordAttempt(ctx, event.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to record event attempt")
			return false
		}
		if n < s.opts.MaxAttempts {
			return false
		}
		attempts = n
	}

	if err := s.events.MarkFailed(ctx, event.ID, cause.Error(), s.now().UTC()); err != nil {
		// applied by another worker in the meantime: the redelivery acks
		if !errors.Is(err, repo.ErrAlreadyProcessed) {
			logger.Error().Err(err).Msg("Failed to mark event failed")
		}
		return false
	}

	s.countTurn(ctx, "given_up")
	logger.Warn().Err(cause).Int("attempts", attempts).Msg("Event given up, chat continues with the next message")
	return true
}

// applyEvent runs one turn for event and commits it. ok is false when the
// event turned out to be processed already.
func (s *ConversationService) applyEvent(ctx context.Context, event *models.InboundEvent) (ok bool, err error) {
	logger := log.With().Str("chat_id", event.ChatID).Str("event_id", event.ID.String()).Logger()

	conv, err := s.convs.GetActive(ctx, event.ChatID)
	if err != nil {
		return false, fmt.Errorf("load conversation: %w", err)
	}

	snap := conversation.Snapshot{Conversation: conv}
	if conv != nil {
		if snap.Draft, err = s.convs.Draft(ctx, conv.ID); err != nil {
			return false, fmt.Errorf("load draft: %w", err)
		}
		if snap.Messages, err = s.convs.Messages(ctx, conv.ID); err != nil {
			return false, fmt.Errorf("load messages: %w", err)
		}
	}

	turn, err := s.machine.Advance(ctx, snap, conversation.Inbound{
		EventID:    event.ID,
		ChatID:     event.ChatID,
		SenderName: event.SenderName,
		Text:       event.Text,
		At:         event.MessageAt,
	})
	if err != nil {
		s.countTurn(ctx, "failed")
		if errors.Is(err, conversation.ErrClosed) {
			return false, queue.Permanent(err)
		}
		s.recordFailure(ctx, conv)
		return false, fmt.Errorf("advance conversation: %w", err)
	}

	err = s.convs.SaveTurn(ctx, repo.TurnWrite{
		Conversation:    turn.Conversation,
		NewConversation: turn.NewConversation,
		Draft:           turn.Draft,
		Messages:        turn.Messages,
		EventID:         event.ID,
		ProcessedAt:     s.now().UTC(),
	})
	switch {
	case errors.Is(err, repo.ErrAlreadyProcessed):
		logger.Info().Msg("Event already applied by another worker")
		return false, nil
	case errors.Is(err, repo.ErrDraftLocked):
		return false, queue.Permanent(fmt.Errorf("save turn: %w", err))
	case err != nil:
		s.countTurn(ctx, "failed")
		return false, fmt.Errorf("save turn: %w", err)
	}

	s.countTurn(ctx, string(turn.Outcome))
	logger.Info().
		Str("conversation_id", turn.Conversation.ID.String()).
		Str("from", string(turn.From)).
		Str("step", string(turn.To)).
		Str("outcome", string(turn.Outcome)).
		Int("retry_count", turn.Conversation.RetryCount).
		Msg("Conversation turn committed")

	s.send(ctx, event.ChatID, turn.Reply)
	return true, nil
}

// recordFailure counts a failed turn and sends one apology once the
// consecutive failures reach the configured threshold
func (s *ConversationService) recordFailure(ctx context.Context, conv *models.Conversation) {
	if conv == nil {
		return
	}
	count, err := s.convs.RecordFailure(ctx, conv.ID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID.String()).Msg("Failed to record turn failure")
		return
	}
	if count < s.opts.ApologyAfter {
		return
	}

	s.send(ctx, conv.ChatID, conversation.ApologyReply())
	if err := s.convs.ResetFailures(ctx, conv.ID); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID.String()).Msg("Failed to reset failure counter")
	}
}

// send is fire-and-log: the turn is already committed
func (s *ConversationService) send(ctx context.Context, chatID, text string) {
	if text == "" {
		return
	}
	if _, err := s.sender.SendTextMessage(ctx, chatID, text); err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("Failed to send reply")
	}
}

func (s *ConversationService) countTurn(ctx context.Context, outcome string) {
	if turnCounter == nil {
		return
	}
	turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ConversationJanitor abandons conversations idle longer than a TTL
type ConversationJanitor struct {
	convs    *repo.ConversationRepository
	idleTTL  time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewConversationJanitor creates a janitor sweeping every interval
func NewConversationJanitor(db *gorm.DB, idleTTL, interval time.Duration) *ConversationJanitor {
	return &ConversationJanitor{
		convs:    repo.NewConversationRepository(db),
		idleTTL:  idleTTL,
		interval: interval,
		now:      time.Now,
	}
}

// Sweep abandons idle conversations once and returns how many were closed
func (j *ConversationJanitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.convs.AbandonIdle(ctx, j.now().Add(-j.idleTTL))
	if err != nil {
		return 0, fmt.Errorf("abandon idle conversations: %w", err)
	}
	if n > 0 {
		log.Info().Int64("count", n).Dur("idle_ttl", j.idleTTL).Msg("Idle conversations abandoned")
	}
	return n, nil
}

// Run sweeps until ctx is done
func (j *ConversationJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Janitor sweep failed")
			}
		}
	}
}
