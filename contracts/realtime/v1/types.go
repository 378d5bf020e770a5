package v1

import (
	"encoding/json"
	"time"
)

// ---- Inbound ----

// Subscribe joins the room of a conversation the caller participates in.
type Subscribe struct {
	ConversationID string `json:"conversationId"`
}

// Unsubscribe leaves every room of the session.
type Unsubscribe struct{}

// Typing signals a typing state change.
type Typing struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// Send posts a message body into a conversation.
type Send struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
}

// Read marks the counterpart's messages in a conversation as read.
type Read struct {
	ConversationID string `json:"conversationId"`
}

// Ping is a client keepalive.
type Ping struct{}

func (Subscribe) inboundType() string   { return TypeSubscribe }
func (Unsubscribe) inboundType() string { return TypeUnsubscribe }
func (Typing) inboundType() string      { return TypeTyping }
func (Send) inboundType() string        { return TypeSend }
func (Read) inboundType() string        { return TypeRead }
func (Ping) inboundType() string        { return TypePing }

// ---- Outbound ----

// Connected is sent once after the connection is authenticated.
type Connected struct{}

// Subscribed confirms a subscribe.
type Subscribed struct {
	ConversationID string `json:"conversationId"`
}

// ErrorFrame reports a rejected frame. The socket stays open.
type ErrorFrame struct {
	Error string `json:"error"`
}

// TypingEvent is broadcast to a room when a participant types.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserEmail      string `json:"userEmail"`
	IsTyping       bool   `json:"isTyping"`
}

// Message is the wire shape of a stored chat message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderEmail    string     `json:"senderEmail"`
	Body           string     `json:"body"`
	SentAt         time.Time  `json:"sentAt"`
	ReadAt         *time.Time `json:"readAt"`
}

// MessageEvent is broadcast to a room when a message is stored.
type MessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ReadEvent is broadcast to a room when messages were marked read.
type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	ReaderEmail    string    `json:"readerEmail"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

// Presence carries the full set of identities online in a room.
type Presence struct {
	ConversationID string   `json:"conversationId"`
	Online         []string `json:"online"`
}

// Sent acknowledges a send frame to its sender only.
type Sent struct {
	MessageID string `json:"messageId"`
}

// Pong answers a ping.
type Pong struct{}

func (Connected) outboundType() string    { return TypeConnected }
func (Subscribed) outboundType() string   { return TypeSubscribed }
func (ErrorFrame) outboundType() string   { return TypeError }
func (TypingEvent) outboundType() string  { return TypeTyping }
func (MessageEvent) outboundType() string { return TypeMessage }
func (ReadEvent) outboundType() string    { return TypeRead }
func (Presence) outboundType() string     { return TypePresence }
func (Sent) outboundType() string         { return TypeSent }
func (Pong) outboundType() string         { return TypePong }

// MarshalJSON implements json.Marshaler.
func (Connected) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameHead{Type: TypeConnected})
}

// MarshalJSON implements json.Marshaler.
func (Pong) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameHead{Type: TypePong})
}

// MarshalJSON implements json.Marshaler.
func (f Subscribed) MarshalJSON() ([]byte, error) {
	type alias Subscribed
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeSubscribed, alias(f)})
}

// MarshalJSON implements json.Marshaler.
func (f ErrorFrame) MarshalJSON() ([]byte, error) {
	type alias ErrorFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeError, alias(f)})
}

// MarshalJSON implements json.Marshaler.
func (f TypingEvent) MarshalJSON() ([]byte, error) {
	type alias TypingEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeTyping, alias(f)})
}

// MarshalJSON implements json.Marshaler.
func (f MessageEvent) MarshalJSON() ([]byte, error) {
	type alias MessageEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeMessage, alias(f)})
}

// MarshalJSON implements json.Marshaler.
func (f ReadEvent) MarshalJSON() ([]byte, error) {
	type alias ReadEvent
	if f.MessageIDs == nil {
		f.MessageIDs = []string{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeRead, alias(f)})
}

// MarshalJSON implements json.Marshaler.
func (f Presence) MarshalJSON() ([]byte, error) {
	type alias Presence
	if f.Online == nil {
		f.Online = []string{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypePresence, alias(f)})
}

// MarshalJSON implements json.Marshaler.
func (f Sent) MarshalJSON() ([]byte, error) {
	type alias Sent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeSent, alias(f)})
}
