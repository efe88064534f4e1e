// Package buffer implements the Message Buffer: a bounded FIFO
// of outbound payloads tagged with enqueue time, with age-based pruning and
// size-based overflow drop. internal/durchannel embeds a Buffer as the
// queue backing a DurableChannel.
package buffer

import (
	"time"
)

// Message is a single buffered payload (spec's QueuedMessage entity).
type Message struct {
	ID         string
	Data       []byte
	EnqueuedAt time.Time
}

// ClosedError is returned by Enqueue once the buffer has been closed.
type ClosedError struct{}

func (e *ClosedError) Error() string {
	return "buffer is closed"
}

// Config bounds a Buffer's size and age. MaxQueueSize and MaxMessageAge are
// pointers so that an explicit zero (MaxQueueSize: new(int) set to 0, or
// MaxMessageAge: new(time.Duration)) is distinguishable from an unset field:
// a nil pointer gets the package default, an explicit 0 is honored as-is
// (MaxQueueSize 0 drops every enqueued message immediately; MaxMessageAge 0
// disables pruning entirely).
type Config struct {
	MaxQueueSize  *int
	MaxMessageAge *time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize == nil {
		n := 1000
		c.MaxQueueSize = &n
	}
	if c.MaxMessageAge == nil {
		d := 60 * time.Second
		c.MaxMessageAge = &d
	}
	return c
}

// Buffer is a bounded FIFO of Messages. It is not safe for concurrent use;
// callers (internal/durchannel) serialize access with a single-owner lock.
type Buffer struct {
	maxQueueSize  int
	maxMessageAge time.Duration
	items         []Message
	closed        bool

	onOverflow func(dropped []Message)
}

// New constructs a Buffer. onOverflow, if non-nil, is invoked with the
// messages dropped by an Enqueue call that exceeded MaxQueueSize.
func New(cfg Config, onOverflow func(dropped []Message)) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		maxQueueSize:  *cfg.MaxQueueSize,
		maxMessageAge: *cfg.MaxMessageAge,
		onOverflow:    onOverflow,
	}
}

// Enqueue stamps msg.EnqueuedAt with now and appends it after pruning stale
// entries and applying overflow policy:
//  1. Prune all messages with enqueuedAt < now - maxMessageAge.
//  2. Append the new message.
//  3. If length > maxQueueSize, drop length-maxQueueSize oldest and report
//     the drop via onOverflow.
func (b *Buffer) Enqueue(now time.Time, msg Message) error {
	if b.closed {
		return &ClosedError{}
	}
	msg.EnqueuedAt = now
	b.pruneLocked(now)
	b.items = append(b.items, msg)

	if over := len(b.items) - b.maxQueueSize; over > 0 {
		dropped := make([]Message, over)
		copy(dropped, b.items[:over])
		b.items = b.items[over:]
		if b.onOverflow != nil {
			b.onOverflow(dropped)
		}
	}
	return nil
}

// Prune removes messages older than MaxMessageAge without enqueuing
// anything new; internal/durchannel calls this on a timer so stale
// messages do not linger indefinitely between sends.
func (b *Buffer) Prune(now time.Time) {
	b.pruneLocked(now)
}

func (b *Buffer) pruneLocked(now time.Time) {
	if b.maxMessageAge <= 0 {
		return
	}
	cutoff := now.Add(-b.maxMessageAge)
	i := 0
	for i < len(b.items) && b.items[i].EnqueuedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.items = b.items[i:]
	}
}

// Peek returns a copy of all currently buffered messages in FIFO order,
// without removing them.
func (b *Buffer) Peek() []Message {
	out := make([]Message, len(b.items))
	copy(out, b.items)
	return out
}

// PopFront removes and returns the oldest message, if any. Used by flush
// logic that must re-queue a message at the front when a send fails.
func (b *Buffer) PopFront() (Message, bool) {
	if len(b.items) == 0 {
		return Message{}, false
	}
	msg := b.items[0]
	b.items = b.items[1:]
	return msg, true
}

// PushFront re-queues msg at the head of the buffer, used when a flush
// send fails and the message must be retried first on the next attempt.
func (b *Buffer) PushFront(msg Message) {
	b.items = append([]Message{msg}, b.items...)
}

// Len reports the number of buffered messages.
func (b *Buffer) Len() int { return len(b.items) }

// Close marks the buffer closed; subsequent Enqueue calls fail.
func (b *Buffer) Close() { b.closed = true }

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool { return b.closed }
