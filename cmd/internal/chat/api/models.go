package chatapi

import (
	"time"

	"github.com/appocareu/appocar-web/cmd/internal/conversation"
)

type openConversationRequest struct {
	ListingID   string `json:"listingId"`
	SellerEmail string `json:"sellerEmail"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
}

type conversationResponse struct {
	ID          string    `json:"id"`
	ListingID   string    `json:"listingId"`
	BuyerEmail  string    `json:"buyerEmail"`
	SellerEmail string    `json:"sellerEmail"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type messageResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderEmail    string     `json:"senderEmail"`
	Body           string     `json:"body"`
	SentAt         time.Time  `json:"sentAt"`
	ReadAt         *time.Time `json:"readAt"`
}

type summaryResponse struct {
	conversationResponse
	LastMessage *messageResponse `json:"lastMessage"`
	UnreadCount int              `json:"unreadCount"`
}

type conversationEnvelope struct {
	Conversation conversationResponse `json:"conversation"`
	Created      bool                 `json:"created"`
}

type conversationsResponse struct {
	Conversations []summaryResponse `json:"conversations"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type messageEnvelope struct {
	Message messageResponse `json:"message"`
}

type readResponse struct {
	OK         bool       `json:"ok"`
	Count      int        `json:"count"`
	MessageIDs []string   `json:"messageIds"`
	ReadAt     *time.Time `json:"readAt"`
}

func toConversationResponse(c conversation.Conversation) conversationResponse {
	return conversationResponse{
		ID:          c.ID,
		ListingID:   c.ListingID,
		BuyerEmail:  c.BuyerEmail,
		SellerEmail: c.SellerEmail,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func toMessageResponse(m conversation.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderEmail:    m.SenderEmail,
		Body:           m.Body,
		SentAt:         m.SentAt,
		ReadAt:         m.ReadAt,
	}
}

func toSummaryResponse(s conversation.Summary) summaryResponse {
	out := summaryResponse{
		conversationResponse: toConversationResponse(s.Conversation),
		UnreadCount:          s.UnreadCount,
	}
	if s.LastMessage != nil {
		m := toMessageResponse(*s.LastMessage)
		out.LastMessage = &m
	}
	return out
}

func toReadResponse(receipts []conversation.ReadReceipt) readResponse {
	out := readResponse{
		OK:         true,
		Count:      len(receipts),
		MessageIDs: make([]string, 0, len(receipts)),
	}
	for _, rc := range receipts {
		out.MessageIDs = append(out.MessageIDs, rc.MessageID)
	}
	if len(receipts) > 0 {
		at := receipts[0].ReadAt
		out.ReadAt = &at
	}
	return out
}
