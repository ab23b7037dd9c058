package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBroker implements Broker on Redis Streams with one consumer group.
// A message is acknowledged (XACK + XDEL) only after it was settled; a
// crashed consumer finds its unacknowledged messages in its pending list
// on the next read. Entries left pending by a consumer that never came
// back under the same name are claimed once idle longer than ClaimIdle.
type RedisBroker struct {
	rdb  *rd.Client
	opts Options
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(addr, password string, db int, opts Options) (*RedisBroker, error) {
	rdb := rd.NewClient(&rd.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisBrokerWithClient(rdb, opts), nil
}

// NewRedisBrokerWithClient wraps an existing client
func NewRedisBrokerWithClient(rdb *rd.Client, opts Options) *RedisBroker {
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 2 * time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 5 * time.Minute
	}
	return &RedisBroker{rdb: rdb, opts: opts}
}

// Client exposes the underlying client so the chat lock can share it
func (b *RedisBroker) Client() *rd.Client { return b.rdb }

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) Publish(ctx context.Context, queue, key string, body []byte) error {
	return b.publishAttempt(ctx, queue, key, body, 1)
}

func (b *RedisBroker) publishAttempt(ctx context.Context, queue, key string, body []byte, attempt int) error {
	err := b.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{
			"key":     key,
			"body":    body,
			"attempt": attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, queue string, h Handler) error {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return fmt.Errorf("ensure group on %s: %w", queue, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Pending entries first so a restarted consumer finishes what it owned.
		msgs, err := b.readGroup(ctx, queue, "0", 0)
		// then deliveries abandoned by other consumers
		if err == nil && len(msgs) == 0 {
			msgs, err = claimStale(ctx, b.rdb, queue, b.opts.Group, b.opts.Consumer, b.opts.ClaimIdle)
		}
		if err == nil && len(msgs) == 0 {
			msgs, err = b.readGroup(ctx, queue, ">", b.opts.BlockTimeout)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error().Err(err).Str("queue", queue).Msg("Failed to read from stream")
			if sleepCtx(ctx, 500*time.Millisecond) != nil {
				return nil
			}
			continue
		}

		for _, xm := range msgs {
			if len(xm.Values) == 0 {
				// deleted after it was read; only the pending entry is left
				if err := b.ackAndDelete(ctx, queue, xm.ID); err != nil {
					log.Error().Err(err).Str("queue", queue).Msg("Failed to ack stream entry")
				}
				continue
			}
			msg, perr := parseStreamMessage(queue, xm)
			if perr != nil {
				// unreadable entries would block the pending list forever
				log.Error().Err(perr).Str("queue", queue).Str("message_id", xm.ID).Msg("Discarding unreadable stream entry")
				_ = PublishDeadLetter(ctx, b, queue, "", []byte(fmt.Sprint(xm.Values)), perr.Error())
				if err := b.ackAndDelete(ctx, queue, xm.ID); err != nil {
					log.Error().Err(err).Str("queue", queue).Msg("Failed to ack stream entry")
				}
				continue
			}

			if err := deliver(ctx, b, b.opts, msg, h); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Str("queue", queue).Str("message_id", xm.ID).Msg("Failed to settle message, leaving it pending")
				_ = sleepCtx(ctx, 500*time.Millisecond)
				break
			}
			if err := b.ackAndDelete(ctx, queue, xm.ID); err != nil {
				log.Error().Err(err).Str("queue", queue).Str("message_id", xm.ID).Msg("Failed to ack stream entry")
			}
		}
	}
}

func (b *RedisBroker) ensureGroup(ctx context.Context, queue string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, queue, b.opts.Group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (b *RedisBroker) readGroup(ctx context.Context, queue, id string, block time.Duration) ([]rd.XMessage, error) {
	args := &rd.XReadGroupArgs{
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		Streams:  []string{queue, id},
		Count:    1,
		NoAck:    false,
	}
	if block > 0 {
		args.Block = block
	}
	streams, err := b.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []rd.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// streamClaimer is the part of the client used to take over stale deliveries
type streamClaimer interface {
	XAutoClaim(ctx context.Context, a *rd.XAutoClaimArgs) *rd.XAutoClaimCmd
}

// claimStale moves one entry idle for at least minIdle from any consumer's
// pending list to consumer and returns it
func claimStale(ctx context.Context, c streamClaimer, queue, group, consumer string, minIdle time.Duration) ([]rd.XMessage, error) {
	msgs, _, err := c.XAutoClaim(ctx, &rd.XAutoClaimArgs{
		Stream:   queue,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", queue, err)
	}
	if len(msgs) > 0 {
		log.Warn().Str("queue", queue).Str("message_id", msgs[0].ID).Str("consumer", consumer).Msg("Claimed stale stream entry")
	}
	return msgs, nil
}

func (b *RedisBroker) ackAndDelete(ctx context.Context, queue, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.XAck(ctx, queue, b.opts.Group, id)
	pipe.XDel(ctx, queue, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseStreamMessage(queue string, xm rd.XMessage) (Message, error) {
	body, err := streamString(xm.Values, "body")
	if err != nil {
		return Message{}, err
	}
	key, _ := streamString(xm.Values, "key")
	attempt := 1
	if s, err := streamString(xm.Values, "attempt"); err == nil {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			attempt = n
		}
	}
	return Message{
		ID:      xm.ID,
		Queue:   queue,
		Key:     key,
		Body:    []byte(body),
		Attempt: attempt,
	}, nil
}

func streamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
