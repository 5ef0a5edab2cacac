package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const redisChannel = "depwatch:triggers"

// RedisBus is a Bus backed by redis pub/sub, used when multiple orchestrator
// replicas share one trigger stream.
type RedisBus struct {
	client *redis.Client
	log    *slog.Logger

	mu       sync.RWMutex
	handlers []Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus connects to redis and starts consuming the trigger channel.
func NewRedisBus(addr, password string, db int, log *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client: client,
		log:    log,
		cancel: runCancel,
		done:   make(chan struct{}),
	}
	go b.consume(runCtx)
	return b, nil
}

func (b *RedisBus) consume(ctx context.Context) {
	defer close(b.done)
	sub := b.client.Subscribe(ctx, redisChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.log.Error("invalid trigger payload", "error", err)
				continue
			}
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				if err := h(ctx, msg); err != nil {
					b.log.Error("trigger handler failed", "kind", msg.Kind, "error", err)
				}
			}
		}
	}
}

// Publish serializes the message onto the shared channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannel, payload).Err()
}

// Subscribe registers a handler for all subsequent messages.
func (b *RedisBus) Subscribe(handler Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}

// Close stops the consumer and releases the connection.
func (b *RedisBus) Close() error {
	b.cancel()
	<-b.done
	return b.client.Close()
}
