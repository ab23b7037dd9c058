package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const attemptHeader = "x-attempt"

// KafkaBroker implements Broker on Kafka topics named after the queues.
// Messages are keyed by chat id so one chat always lands on one partition.
// Offsets are committed only after a message was settled.
type KafkaBroker struct {
	brokers []string
	opts    Options
	w       *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBroker creates a broker; connections are opened lazily
func NewKafkaBroker(brokers []string, opts Options) *KafkaBroker {
	return &KafkaBroker{
		brokers: brokers,
		opts:    opts,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            5,
			WriteTimeout:           5 * time.Second,
			ReadTimeout:            5 * time.Second,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, queue, key string, body []byte) error {
	return b.publishAttempt(ctx, queue, key, body, 1)
}

func (b *KafkaBroker) publishAttempt(ctx context.Context, queue, key string, body []byte, attempt int) error {
	err := b.w.WriteMessages(ctx, kafka.Message{
		Topic: queue,
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))},
		},
	})
	if err != nil {
		return fmt.Errorf("write to %s: %w", queue, err)
	}
	return nil
}

func (b *KafkaBroker) Consume(ctx context.Context, queue string, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    queue,
		GroupID:  b.opts.Group,
		MinBytes: 1,
		MaxBytes: 1e6,
		MaxWait:  b.opts.BlockTimeout,
	})
	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", queue, err)
		}

		msg := Message{
			ID:      fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
			Queue:   queue,
			Key:     string(m.Key),
			Body:    m.Value,
			Attempt: headerAttempt(m.Headers),
		}

		if err := deliver(ctx, b, b.opts, msg, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Uncommitted: the group redelivers it after a rebalance or restart.
			log.Error().Err(err).Str("queue", queue).Str("message_id", msg.ID).Msg("Failed to settle message, offset not committed")
			continue
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			log.Error().Err(err).Str("queue", queue).Str("message_id", msg.ID).Msg("Failed to commit offset")
		}
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.w.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func headerAttempt(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key != attemptHeader {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
