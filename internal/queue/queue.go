package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wappsentinel/internal/config"
)

// Queue names
const (
	RawOperatorEvents    = "raw-operator-events"
	RawCustomerEvents    = "raw-customer-events"
	OrderCandidateEvents = "order-candidate-events"
	WebhookEvents        = "webhook-events"

	dlqSuffix = ".dlq"
)

// DLQName returns the dead-letter queue paired with a queue
func DLQName(queue string) string {
	if IsDLQ(queue) {
		return queue
	}
	return queue + dlqSuffix
}

// IsDLQ reports whether the queue is a dead-letter queue
func IsDLQ(queue string) bool {
	return strings.HasSuffix(queue, dlqSuffix)
}

// DeadLetterQueues lists every dead-letter queue the system writes to
func DeadLetterQueues() []string {
	return []string{
		DLQName(WebhookEvents),
		DLQName(RawOperatorEvents),
		DLQName(RawCustomerEvents),
		DLQName(OrderCandidateEvents),
	}
}

// Message is one delivery taken from a queue
type Message struct {
	ID      string
	Queue   string
	Key     string
	Body    []byte
	Attempt int // 1 on first delivery
}

// Handler processes one message. Returning nil acknowledges it, an error
// wrapped with Permanent dead-letters it, any other error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes one message to a queue. The key groups related
// messages (the chat id) for drivers that partition.
type Publisher interface {
	Publish(ctx context.Context, queue, key string, body []byte) error
}

// Broker is a durable at-least-once queue
type Broker interface {
	Publisher
	// Consume blocks, delivering messages one at a time, until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
	Close() error
}

// republisher is implemented by every driver so the settle step can
// requeue a message with a bumped attempt counter.
type republisher interface {
	publishAttempt(ctx context.Context, queue, key string, body []byte, attempt int) error
}

// Options control redelivery
type Options struct {
	MaxDeliveries int
	RetryBackoff  time.Duration
	Group         string
	Consumer      string
	BlockTimeout  time.Duration
	ClaimIdle     time.Duration // redis: idle time before a stale delivery is taken over
}

// ErrPermanent marks errors that redelivery cannot fix
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so the message is dead-lettered instead of retried
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// New builds the broker selected by cfg.Driver
func New(cfg config.QueueConfig) (Broker, error) {
	opts := Options{
		MaxDeliveries: cfg.MaxDeliveries,
		RetryBackoff:  500 * time.Millisecond,
		Group:         cfg.Group,
		Consumer:      cfg.Consumer,
		BlockTimeout:  cfg.BlockTimeout,
		ClaimIdle:     cfg.ClaimIdle,
	}

	switch cfg.Driver {
	case "redis":
		return NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts)
	case "kafka":
		return NewKafkaBroker(cfg.KafkaBrokers, opts), nil
	case "memory":
		return NewMemoryBroker(opts), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
