package queue

import (
	"context"
	"strconv"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-binary runs.
// It keeps the same settle semantics as the networked drivers but is not
// durable.
type MemoryBroker struct {
	opts Options

	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string][]Message
	seq    int
	closed bool
}

func NewMemoryBroker(opts Options) *MemoryBroker {
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 1
	}
	b := &MemoryBroker{opts: opts, queues: make(map[string][]Message)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Publish(ctx context.Context, queue, key string, body []byte) error {
	return b.publishAttempt(ctx, queue, key, body, 1)
}

func (b *MemoryBroker) publishAttempt(_ context.Context, queue, key string, body []byte, attempt int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.queues[queue] = append(b.queues[queue], Message{
		ID:      strconv.Itoa(b.seq),
		Queue:   queue,
		Key:     key,
		Body:    append([]byte(nil), body...),
		Attempt: attempt,
	})
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for {
		b.mu.Lock()
		for len(b.queues[queue]) == 0 && !b.closed && ctx.Err() == nil {
			b.cond.Wait()
		}
		if b.closed || ctx.Err() != nil {
			b.mu.Unlock()
			return nil
		}
		msg := b.queues[queue][0]
		b.queues[queue] = b.queues[queue][1:]
		b.mu.Unlock()

		if err := deliver(ctx, b, b.opts, msg, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// settle failed: put it back in front
			b.mu.Lock()
			b.queues[queue] = append([]Message{msg}, b.queues[queue]...)
			b.mu.Unlock()
		}
	}
}

// Drain delivers every message currently queued (including redeliveries
// produced while draining) and returns how many deliveries ran.
func (b *MemoryBroker) Drain(ctx context.Context, queue string, h Handler) int {
	n := 0
	for {
		b.mu.Lock()
		if len(b.queues[queue]) == 0 {
			b.mu.Unlock()
			return n
		}
		msg := b.queues[queue][0]
		b.queues[queue] = b.queues[queue][1:]
		b.mu.Unlock()

		n++
		if err := deliver(ctx, b, b.opts, msg, h); err != nil {
			return n
		}
	}
}

// Len returns the number of queued messages
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Messages returns a copy of the queued messages
func (b *MemoryBroker) Messages(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.queues[queue]...)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}
