// Package notify records best-effort notifications for chat events.
//
// Notifications are a side effect: enqueueing never blocks the caller and a
// failing sink never surfaces to the chat write path.
package notify

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// TypeMessage is the notification type for a new chat message.
	TypeMessage = "message"

	messageTitle   = "New message"
	maxPreviewRune = 160
)

// Meta links a notification back to its conversation.
type Meta struct {
	ConversationID string `json:"conversationId"`
	ListingID      string `json:"listingId"`
}

// Notification is a record addressed to one user.
type Notification struct {
	ID        string     `json:"id"`
	UserEmail string     `json:"userEmail"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Meta      Meta       `json:"meta"`
	ReadAt    *time.Time `json:"readAt"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NewMessage builds the "new message" notification for recipient.
// The body is the first 160 characters of the message.
func NewMessage(recipient, body, conversationID, listingID string, now time.Time) Notification {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Notification{
		UserEmail: strings.ToLower(strings.TrimSpace(recipient)),
		Type:      TypeMessage,
		Title:     messageTitle,
		Body:      preview(body, maxPreviewRune),
		Meta:      Meta{ConversationID: conversationID, ListingID: listingID},
		CreatedAt: now,
	}
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
