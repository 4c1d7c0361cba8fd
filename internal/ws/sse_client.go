package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams recorded entries as Server-Sent Events named "entry".
// No frame is written once Close has returned.
type SSEClient struct {
	mu     sync.Mutex
	writer io.Writer
	rc     *http.ResponseController
	log    *slog.Logger
	closed chan struct{}
	once   sync.Once
	sent   uint64
}

// NewSSEClient builds an SSE client over an open event-stream response.
func NewSSEClient(w http.ResponseWriter, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{writer: w, rc: http.NewResponseController(w), log: logger, closed: make(chan struct{})}
}

// Send emits one entry event. Event ids count up from 1 per connection.
func (c *SSEClient) Send(payload []byte) error {
	return c.write(func(w io.Writer) error {
		c.sent++
		_, err := fmt.Fprintf(w, "id: %d\nevent: entry\ndata: %s\n\n", c.sent, payload)
		return err
	})
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(func(w io.Writer) error {
		_, err := fmt.Fprint(w, ": ping\n\n")
		return err
	})
}

// Close marks the stream as closed. It waits for an in-flight write.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Done is closed once the stream is closed by either side.
func (c *SSEClient) Done() <-chan struct{} {
	return c.closed
}

func (c *SSEClient) closeLocked() {
	c.once.Do(func() { close(c.closed) })
}

func (c *SSEClient) write(fn func(io.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return io.EOF
	default:
	}
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		c.closeLocked()
		return err
	}
	err := fn(c.writer)
	if err == nil {
		err = c.rc.Flush()
	}
	if err != nil {
		c.log.Warn("sse send failed", "error", err)
		c.closeLocked()
		return err
	}
	return nil
}
