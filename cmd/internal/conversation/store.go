package conversation

import (
	"context"
	"strings"
	"time"
)

// Conversation is a buyer/seller thread about one listing.
type Conversation struct {
	ID          string
	ListingID   string
	BuyerEmail  string
	SellerEmail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// LastSeq is the sequence number of the newest message (0 when empty).
	LastSeq int64
}

// HasParticipant reports whether email is the buyer or the seller.
func (c Conversation) HasParticipant(email string) bool {
	email = normalizeEmail(email)
	return email != "" && (email == c.BuyerEmail || email == c.SellerEmail)
}

// Counterpart returns the other participant, or "" if email is not a participant.
func (c Conversation) Counterpart(email string) string {
	switch normalizeEmail(email) {
	case c.BuyerEmail:
		return c.SellerEmail
	case c.SellerEmail:
		return c.BuyerEmail
	default:
		return ""
	}
}

// Message is a stored chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderEmail    string
	Body           string
	SentAt         time.Time
	ReadAt         *time.Time
	Seq            int64
}

// ReadReceipt identifies a message whose read_at was set by MarkRead.
type ReadReceipt struct {
	MessageID string
	ReadAt    time.Time
}

// Summary is a conversation as seen by one participant.
type Summary struct {
	Conversation
	LastMessage *Message
	UnreadCount int
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	SenderEmail    string
	Body           string
	Now            time.Time
}

// Store persists conversations and messages.
//
// Requirements:
//   - FindOrCreate is idempotent and race safe on (listing, buyer, seller)
//   - AppendMessage allocates a strictly increasing seq per conversation
//   - ListMessages is ordered by seq ASC
//   - MarkRead changes only unread messages not sent by the reader and
//     returns exactly those, in seq order
type Store interface {
	FindOrCreate(ctx context.Context, listingID, buyerEmail, sellerEmail string) (Conversation, bool, error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
	IsParticipant(ctx context.Context, conversationID, email string) (bool, error)
	ListForParticipant(ctx context.Context, email string) ([]Summary, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	MarkRead(ctx context.Context, conversationID, readerEmail string, now time.Time) ([]ReadReceipt, error)
	Close() error
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateCreate(op, listingID, buyer, seller string) error {
	switch {
	case listingID == "":
		return invalid(op, "missing listing id")
	case buyer == "":
		return invalid(op, "missing buyer")
	case seller == "":
		return invalid(op, "missing seller")
	case buyer == seller:
		return invalid(op, "buyer and seller must differ")
	}
	return nil
}
