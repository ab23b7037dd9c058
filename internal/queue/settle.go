package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is what happens to a message after its handler returns
type Outcome int

const (
	Ack Outcome = iota
	Retry
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decide applies the redelivery policy to a handler result
func Decide(err error, attempt, maxDeliveries int) Outcome {
	switch {
	case err == nil:
		return Ack
	case IsPermanent(err):
		return DeadLetter
	case attempt >= maxDeliveries:
		return DeadLetter
	default:
		return Retry
	}
}

// DeadLetterEnvelope is the body published to a dead-letter queue
type DeadLetterEnvelope struct {
	Queue     string    `json:"queue"`
	Key       string    `json:"key"`
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	Payload   string    `json:"payload"`
	FailedAt  time.Time `json:"failed_at"`
}

// PublishDeadLetter sends body straight to the dead-letter queue of queue.
// Used by producers that reject a payload before it is ever enqueued.
func PublishDeadLetter(ctx context.Context, p Publisher, queue, key string, body []byte, reason string) error {
	env := DeadLetterEnvelope{
		Queue:     queue,
		Key:       key,
		MessageID: uuid.NewString(),
		Reason:    reason,
		Attempts:  0,
		Payload:   string(body),
		FailedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return p.Publish(ctx, DLQName(queue), key, b)
}

var (
	tracer     = otel.Tracer("wappsentinel/queue")
	deliveries metric.Int64Counter
)

func init() {
	var err error
	deliveries, err = otel.Meter("wappsentinel/queue").Int64Counter(
		"queue.deliveries",
		metric.WithDescription("Messages settled by consumers, by outcome"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create queue deliveries counter")
	}
}

// deliver runs h on msg and settles the result through rp. It returns an
// error only when the message must stay unacknowledged: the context was
// cancelled mid-handler or the settle publish failed.
func deliver(ctx context.Context, rp republisher, opts Options, msg Message, h Handler) error {
	ctx, span := tracer.Start(ctx, "consume "+msg.Queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Queue),
			attribute.String("messaging.message_id", msg.ID),
			attribute.Int("messaging.attempt", msg.Attempt),
		),
	)
	defer span.End()

	err := invoke(ctx, h, msg)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	outcome := Decide(err, msg.Attempt, opts.MaxDeliveries)
	if IsDLQ(msg.Queue) && outcome == DeadLetter {
		// nowhere further to send it
		log.Error().Err(err).Str("queue", msg.Queue).Str("message_id", msg.ID).Msg("Dropping dead letter that could not be stored")
		outcome = Ack
	}

	if deliveries != nil {
		deliveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", msg.Queue),
			attribute.String("outcome", outcome.String()),
		))
	}
	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch outcome {
	case Retry:
		log.Warn().Err(err).
			Str("queue", msg.Queue).
			Str("message_id", msg.ID).
			Int("attempt", msg.Attempt).
			Msg("Message processing failed, scheduling redelivery")
		if err := sleepCtx(ctx, backoff(opts.RetryBackoff, msg.Attempt)); err != nil {
			return err
		}
		if err := rp.publishAttempt(ctx, msg.Queue, msg.Key, msg.Body, msg.Attempt+1); err != nil {
			return fmt.Errorf("requeue message %s: %w", msg.ID, err)
		}
	case DeadLetter:
		log.Error().Err(err).
			Str("queue", msg.Queue).
			Str("message_id", msg.ID).
			Int("attempt", msg.Attempt).
			Msg("Message dead-lettered")
		env := DeadLetterEnvelope{
			Queue:     msg.Queue,
			Key:       msg.Key,
			MessageID: msg.ID,
			Reason:    err.Error(),
			Attempts:  msg.Attempt,
			Payload:   string(msg.Body),
			FailedAt:  time.Now().UTC(),
		}
		b, mErr := json.Marshal(env)
		if mErr != nil {
			return fmt.Errorf("marshal dead letter: %w", mErr)
		}
		if err := rp.publishAttempt(ctx, DLQName(msg.Queue), msg.Key, b, 1); err != nil {
			return fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
		}
	}

	return nil
}

func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, msg)
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
