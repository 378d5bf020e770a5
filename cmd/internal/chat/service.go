// Package chat implements the conversation operations shared by the live
// socket and the HTTP fallback: authorization against conversation
// membership, the message write path and its notification side effect.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/appocareu/appocar-web/cmd/internal/conversation"
	"github.com/appocareu/appocar-web/cmd/internal/notify"
)

// DefaultMaxBodyChars bounds a message body (runes, after trimming).
const DefaultMaxBodyChars = 4000

// Notifier is the best-effort post-commit hook fired after a message is stored.
// Enqueue must not block; a false return only means the notification was dropped.
type Notifier interface {
	Enqueue(n notify.Notification) bool
}

// Service is safe for concurrent use.
type Service struct {
	store    conversation.Store
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
	maxBody  int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxBodyChars overrides DefaultMaxBodyChars.
func WithMaxBodyChars(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// NewService constructs a Service. notifier may be nil (no notifications).
func NewService(store conversation.Store, notifier Notifier, log *slog.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		maxBody:  DefaultMaxBodyChars,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// OpenConversation finds or creates the conversation between caller (buyer)
// and seller about listing. created reports whether it was new.
func (s *Service) OpenConversation(ctx context.Context, caller, listingID, sellerEmail string) (conversation.Conversation, bool, error) {
	const op = "chat.OpenConversation"

	caller = normalizeEmail(caller)
	if caller == "" {
		return conversation.Conversation{}, false, OpError{Op: op, Kind: ErrUnauthorized}
	}
	listingID = strings.TrimSpace(listingID)
	seller := normalizeEmail(sellerEmail)
	switch {
	case listingID == "" || seller == "":
		return conversation.Conversation{}, false, OpError{Op: op, Kind: ErrValidation, Msg: "listingId and sellerEmail are required"}
	case seller == caller:
		return conversation.Conversation{}, false, OpError{Op: op, Kind: ErrValidation, Msg: "cannot start a conversation with yourself"}
	}

	c, created, err := s.store.FindOrCreate(ctx, listingID, caller, seller)
	if conversation.IsInvalidInput(err) {
		return conversation.Conversation{}, false, OpError{Op: op, Kind: ErrValidation, Msg: err.Error()}
	}
	if err != nil {
		return conversation.Conversation{}, false, unavailable(op, err)
	}
	return c, created, nil
}

// ListConversations returns the caller's conversations, newest activity first.
func (s *Service) ListConversations(ctx context.Context, caller string) ([]conversation.Summary, error) {
	const op = "chat.ListConversations"

	caller = normalizeEmail(caller)
	if caller == "" {
		return nil, OpError{Op: op, Kind: ErrUnauthorized}
	}
	out, err := s.store.ListForParticipant(ctx, caller)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Authorize returns ErrForbidden unless caller is the buyer or seller of the
// conversation. Unknown conversations are forbidden as well.
func (s *Service) Authorize(ctx context.Context, conversationID, caller string) error {
	const op = "chat.Authorize"

	caller = normalizeEmail(caller)
	if caller == "" {
		return OpError{Op: op, Kind: ErrUnauthorized}
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return OpError{Op: op, Kind: ErrValidation, Msg: "conversationId is required"}
	}

	ok, err := s.store.IsParticipant(ctx, conversationID, caller)
	if err != nil {
		return unavailable(op, err)
	}
	if !ok {
		return OpError{Op: op, Kind: ErrForbidden}
	}
	return nil
}

// History returns the conversation's messages in send order.
func (s *Service) History(ctx context.Context, conversationID, caller string) ([]conversation.Message, error) {
	const op = "chat.History"

	if err := s.Authorize(ctx, conversationID, caller); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	return msgs, nil
}

// Send validates and stores a message from caller, then enqueues a
// notification for the counterpart. Notification failures never fail Send.
func (s *Service) Send(ctx context.Context, conversationID, caller, body string) (conversation.Message, error) {
	const op = "chat.Send"

	body = strings.TrimSpace(body)
	if body == "" {
		return conversation.Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "body is required"}
	}
	if utf8.RuneCountInString(body) > s.maxBody {
		return conversation.Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "body too long"}
	}
	if err := s.Authorize(ctx, conversationID, caller); err != nil {
		return conversation.Message{}, err
	}

	conversationID = strings.TrimSpace(conversationID)
	m, err := s.store.AppendMessage(ctx, conversation.AppendMessageInput{
		ConversationID: conversationID,
		SenderEmail:    caller,
		Body:           body,
		Now:            s.now(),
	})
	if err != nil {
		return conversation.Message{}, mapStoreErr(op, err)
	}

	s.notifyCounterpart(ctx, m)
	return m, nil
}

// MarkRead marks the counterpart's unread messages as read by caller and
// returns exactly the messages that changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, caller string) ([]conversation.ReadReceipt, error) {
	const op = "chat.MarkRead"

	if err := s.Authorize(ctx, conversationID, caller); err != nil {
		return nil, err
	}
	out, err := s.store.MarkRead(ctx, strings.TrimSpace(conversationID), caller, s.now())
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	return out, nil
}

func (s *Service) notifyCounterpart(ctx context.Context, m conversation.Message) {
	if s.notifier == nil {
		return
	}
	c, err := s.store.Get(ctx, m.ConversationID)
	if err != nil {
		s.log.Warn("chat.notify.skip", "conversation_id", m.ConversationID, "err", err)
		return
	}
	recipient := c.Counterpart(m.SenderEmail)
	if recipient == "" {
		return
	}
	s.notifier.Enqueue(notify.NewMessage(recipient, m.Body, c.ID, c.ListingID, m.SentAt))
}

func mapStoreErr(op string, err error) error {
	switch {
	case conversation.IsNotFound(err):
		return OpError{Op: op, Kind: ErrNotFound}
	case conversation.IsInvalidInput(err):
		return OpError{Op: op, Kind: ErrValidation, Msg: err.Error()}
	default:
		return unavailable(op, err)
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
