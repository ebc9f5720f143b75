// Package ackchan is the bounded hand-off between the index synchronizer and the dispatcher.
//
// Every event travels with an AckToken. The consumer owns the token and releases it once the
// event is fully handled; the producer only holds a Receipt it can wait on. Releasing is the
// sole signal that lets the producer move on.
package ackchan

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/margo/index-notifier/poc/notifier/types"
)

// DefaultCapacity bounds how far the synchronizer may run ahead of the dispatcher.
const DefaultCapacity = 2

var ErrClosed = errors.New("ack channel is closed")

// AckToken is a single-use release handle. Release may be called any number of times;
// only the first call has an effect.
type AckToken struct {
	id   uuid.UUID
	once sync.Once
	done chan struct{}
}

func newAckToken() *AckToken {
	return &AckToken{
		id:   uuid.New(),
		done: make(chan struct{}),
	}
}

func (t *AckToken) ID() string {
	return t.id.String()
}

// Release signals the producer that the event has been handled.
func (t *AckToken) Release() {
	t.once.Do(func() { close(t.done) })
}

// Receipt is the producer's view of an AckToken.
type Receipt struct {
	id   uuid.UUID
	done <-chan struct{}
}

func (r Receipt) ID() string {
	return r.id.String()
}

// Released reports without blocking whether the token was released.
func (r Receipt) Released() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the token is released or ctx is done.
func (r Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delivery is what the consumer receives: the event and the token it must release.
type Delivery struct {
	Event types.LifecycleEvent
	Token *AckToken
}

// Channel is a FIFO queue of deliveries with a fixed capacity. It has a single producer that
// is also the only caller of Close.
type Channel struct {
	ch     chan Delivery
	mu     sync.Mutex
	closed bool
}

func New(capacity int) *Channel {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Channel{ch: make(chan Delivery, capacity)}
}

// Send enqueues the event with a fresh token, blocking while the queue is full.
func (c *Channel) Send(ctx context.Context, event types.LifecycleEvent) (Receipt, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Receipt{}, ErrClosed
	}

	token := newAckToken()
	select {
	case c.ch <- Delivery{Event: event, Token: token}:
		return Receipt{id: token.id, done: token.done}, nil
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// Receive returns the consumer side. It is closed after Close once drained.
func (c *Channel) Receive() <-chan Delivery {
	return c.ch
}

// Close ends the producer side. It must not race with Send.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Len returns the number of queued deliveries.
func (c *Channel) Len() int {
	return len(c.ch)
}
