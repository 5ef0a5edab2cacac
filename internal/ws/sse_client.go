package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient delivers job events as Server-Sent Events over a streaming
// HTTP response. It satisfies the same Subscriber contract as the
// websocket client.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	last    time.Time
}

// NewSSEClient wraps a response writer that supports flushing.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger, last: time.Now().UTC()}
}

// write emits one frame and flushes it. Callers hold c.mu.
func (c *SSEClient) write(frame []byte) error {
	if c.closed {
		return io.EOF
	}
	if _, err := c.writer.Write(frame); err != nil {
		c.closed = true
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Send pushes one event frame to the stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write([]byte(fmt.Sprintf("data: %s\n\n", payload))); err != nil {
		c.log.Warn("event stream write failed", "error", err)
		return err
	}
	return nil
}

// Heartbeat emits a comment frame so proxies keep the idle stream open.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write([]byte(": ping\n\n")); err != nil {
		c.log.Warn("event stream heartbeat failed", "error", err)
		return err
	}
	return nil
}

// Close stops further writes. The handler owns the response lifecycle.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// LastActivity reports when the stream last wrote successfully.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
