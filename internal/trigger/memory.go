package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryBus is an in-process Bus backed by a buffered channel. It is the
// default when no redis address is configured.
type MemoryBus struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
	closed   bool

	messages chan Message
	done     chan struct{}
}

// NewMemoryBus creates a MemoryBus and starts its dispatch loop.
func NewMemoryBus(log *slog.Logger, buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	b := &MemoryBus{
		log:      log,
		messages: make(chan Message, buffer),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *MemoryBus) dispatch() {
	defer close(b.done)
	for msg := range b.messages {
		b.mu.RLock()
		handlers := b.handlers
		b.mu.RUnlock()
		for _, h := range handlers {
			if err := h(context.Background(), msg); err != nil {
				b.log.Error("trigger handler failed", "kind", msg.Kind, "error", err)
			}
		}
	}
}

// Publish enqueues a message for asynchronous delivery.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("trigger bus closed")
	}
	select {
	case b.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for all subsequent messages.
func (b *MemoryBus) Subscribe(handler Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}

// Close stops delivery after draining queued messages.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.messages)
	<-b.done
	return nil
}
