package notify

import (
	"context"
	"strings"
	"sync"
)

// InMemoryStore keeps notifications in process memory (dev/test).
type InMemoryStore struct {
	mu    sync.Mutex
	items []Notification
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore { return &InMemoryStore{} }

// Name implements Sink.
func (s *InMemoryStore) Name() string { return "memory" }

// Deliver implements Sink.
func (s *InMemoryStore) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = append(s.items, n)
	s.mu.Unlock()
	return nil
}

// ForUser returns the notifications addressed to email, oldest first.
func (s *InMemoryStore) ForUser(email string) []Notification {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notification
	for _, n := range s.items {
		if n.UserEmail == email {
			out = append(out, n)
		}
	}
	return out
}
