// Package pubsub provides a generic channel-based fan-out primitive.
// The event bus uses it as its delivery backbone and the log package
// republishes log entries through it.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Envelope wraps a published payload with its arrival timestamp.
type Envelope[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Broker fans published payloads out to all subscribers.
type Broker[T any] struct {
	subs       map[chan Envelope[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Envelope[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel. The channel is closed
// and removed when ctx is cancelled or the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Envelope[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Envelope[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Envelope[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Close already tore everything down
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish stamps the payload and sends it to every subscriber.
// Non-blocking: a subscriber whose buffer is full misses the payload
// rather than blocking the publisher.
func (b *Broker[T]) Publish(payload T) {
	b.PublishAt(payload, time.Now())
}

// PublishAt publishes with an explicit arrival timestamp. The bus uses
// this to stamp arrival once and preserve it through re-publication.
func (b *Broker[T]) PublishAt(payload T, at time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	env := Envelope[T]{Payload: payload, Timestamp: at}
	for sub := range b.subs {
		select {
		case sub <- env:
		default:
			// Buffer full - drop to keep the publisher unblocked.
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
