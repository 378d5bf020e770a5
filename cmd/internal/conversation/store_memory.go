package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/appocareu/appocar-web/cmd/internal/ids"
)

// InMemoryStore is a dev-only fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	byKey map[memKey]string
}

type memKey struct {
	listing, buyer, seller string
}

type memConv struct {
	c    Conversation
	msgs []Message // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		byKey: make(map[memKey]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FindOrCreate returns the conversation for (listing, buyer, seller), creating it if needed.
func (s *InMemoryStore) FindOrCreate(ctx context.Context, listingID, buyerEmail, sellerEmail string) (Conversation, bool, error) {
	const op = "conversation.FindOrCreate"

	listingID = strings.TrimSpace(listingID)
	buyer := normalizeEmail(buyerEmail)
	seller := normalizeEmail(sellerEmail)
	if err := validateCreate(op, listingID, buyer, seller); err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey{listing: listingID, buyer: buyer, seller: seller}
	if id, ok := s.byKey[key]; ok {
		return s.convs[id].c, false, nil
	}

	id, err := ids.NewUUID()
	if err != nil {
		return Conversation{}, false, err
	}
	now := time.Now().UTC()
	c := Conversation{
		ID:          id,
		ListingID:   listingID,
		BuyerEmail:  buyer,
		SellerEmail: seller,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.convs[id] = &memConv{c: c}
	s.byKey[key] = id
	return c, true, nil
}

// Get returns a conversation by id.
func (s *InMemoryStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[strings.TrimSpace(conversationID)]
	if mc == nil {
		return Conversation{}, notFound("conversation.Get")
	}
	return mc.c, nil
}

// IsParticipant reports whether email is the buyer or seller of the conversation.
func (s *InMemoryStore) IsParticipant(ctx context.Context, conversationID, email string) (bool, error) {
	c, err := s.Get(ctx, conversationID)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.HasParticipant(email), nil
}

// ListForParticipant returns summaries of every conversation of email, newest activity first.
func (s *InMemoryStore) ListForParticipant(ctx context.Context, email string) ([]Summary, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, invalid("conversation.ListForParticipant", "missing email")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Summary, 0, 8)
	for _, mc := range s.convs {
		if !mc.c.HasParticipant(email) {
			continue
		}
		sum := Summary{Conversation: mc.c}
		if n := len(mc.msgs); n > 0 {
			last := copyMessage(mc.msgs[n-1])
			sum.LastMessage = &last
		}
		for _, m := range mc.msgs {
			if m.SenderEmail != email && m.ReadAt == nil {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendMessage stores a message and bumps the conversation's updated_at.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "conversation.AppendMessage"

	sender := normalizeEmail(in.SenderEmail)
	if strings.TrimSpace(in.ConversationID) == "" || sender == "" || in.Body == "" {
		return Message{}, invalid(op, "missing conversation, sender or body")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[strings.TrimSpace(in.ConversationID)]
	if mc == nil {
		return Message{}, notFound(op)
	}

	// sent_at never goes backwards within a conversation.
	if now.Before(mc.c.UpdatedAt) {
		now = mc.c.UpdatedAt
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	mc.c.LastSeq++
	mc.c.UpdatedAt = now
	m := Message{
		ID:             id,
		ConversationID: mc.c.ID,
		SenderEmail:    sender,
		Body:           in.Body,
		SentAt:         now,
		Seq:            mc.c.LastSeq,
	}
	mc.msgs = append(mc.msgs, m)
	return m, nil
}

// ListMessages returns the conversation's messages in send order.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[strings.TrimSpace(conversationID)]
	if mc == nil {
		return nil, notFound("conversation.ListMessages")
	}
	out := make([]Message, len(mc.msgs))
	for i, m := range mc.msgs {
		out[i] = copyMessage(m)
	}
	return out, nil
}

// MarkRead sets read_at on every unread message not sent by reader.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerEmail string, now time.Time) ([]ReadReceipt, error) {
	const op = "conversation.MarkRead"

	reader := normalizeEmail(readerEmail)
	if reader == "" {
		return nil, invalid(op, "missing reader")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[strings.TrimSpace(conversationID)]
	if mc == nil {
		return nil, notFound(op)
	}

	var out []ReadReceipt
	for i := range mc.msgs {
		m := &mc.msgs[i]
		if m.SenderEmail == reader || m.ReadAt != nil {
			continue
		}
		at := now
		m.ReadAt = &at
		out = append(out, ReadReceipt{MessageID: m.ID, ReadAt: at})
	}
	return out, nil
}

func copyMessage(m Message) Message {
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	return m
}
