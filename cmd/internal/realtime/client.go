package realtime

import (
	"sync"
)

// Client represents one connected websocket session.
//
// Design notes:
//   - Send carries already-encoded frames and is never closed by the server,
//     so concurrent broadcasters cannot panic on it.
//   - done signals the session goroutines to stop; Close is idempotent.
//   - rooms is guarded by the Registry lock.
type Client struct {
	SessionID string
	Email     string
	Send      chan []byte

	rooms map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(email, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Email:     email,
		Send:      make(chan []byte, sendQueueSize),
		rooms:     make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer queues an encoded frame without blocking.
// It returns false when the client is closing or its queue is full.
func (c *Client) offer(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- b:
		return true
	default:
		return false
	}
}
