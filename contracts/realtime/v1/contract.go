// Package v1 defines the APPOCAR chat realtime protocol v1 contract.
//
// Every frame is a flat UTF-8 JSON object with a mandatory "type" field.
// Inbound (client -> server) and outbound (server -> client) frames are closed
// sets: a type switch over Inbound or Outbound covers every frame kind.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Subprotocol is offered during the handshake. Clients are not required to request it.
const Subprotocol = "appocar.chat.v1"

// Inbound frame types (client -> server).
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTyping      = "typing"
	TypeSend        = "send"
	TypeRead        = "read"
	TypePing        = "ping"
)

// Outbound frame types (server -> client).
const (
	TypeConnected  = "connected"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
	TypeMessage    = "message"
	TypePresence   = "presence"
	TypeSent       = "sent"
	TypePong       = "pong"
	// TypeTyping and TypeRead are shared with the inbound set.
)

var (
	// ErrMalformed is returned when a frame is not a JSON object or a field has the wrong shape.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned when the "type" field is missing or not part of the protocol.
	ErrUnknownType = errors.New("unknown frame type")
)

// Inbound is a frame sent by a client. Implemented only by types in this package.
type Inbound interface {
	inboundType() string
}

// Outbound is a frame sent by the server. Implemented only by types in this package.
type Outbound interface {
	json.Marshaler
	outboundType() string
}

// TypeOf returns the wire "type" of an outbound frame.
func TypeOf(f Outbound) string {
	if f == nil {
		return ""
	}
	return f.outboundType()
}

// InboundTypeOf returns the wire "type" of an inbound frame.
func InboundTypeOf(f Inbound) string {
	if f == nil {
		return ""
	}
	return f.inboundType()
}

type frameHead struct {
	Type string `json:"type"`
}

func peekType(data []byte) (string, error) {
	var h frameHead
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return strings.TrimSpace(h.Type), nil
}

// DecodeInbound parses a client frame into its concrete variant.
func DecodeInbound(data []byte) (Inbound, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var f Inbound
	switch typ {
	case TypeSubscribe:
		var v Subscribe
		err = json.Unmarshal(data, &v)
		f = v
	case TypeUnsubscribe:
		f = Unsubscribe{}
	case TypeTyping:
		var v Typing
		err = json.Unmarshal(data, &v)
		f = v
	case TypeSend:
		var v Send
		err = json.Unmarshal(data, &v)
		f = v
	case TypeRead:
		var v Read
		err = json.Unmarshal(data, &v)
		f = v
	case TypePing:
		f = Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}
	return f, nil
}

// Encode serializes an outbound frame, including its "type" field.
func Encode(f Outbound) ([]byte, error) {
	if f == nil {
		return nil, errors.New("v1: nil frame")
	}
	return json.Marshal(f)
}

// DecodeOutbound parses a server frame into its concrete variant.
// Used by clients (smoke tool, tests).
func DecodeOutbound(data []byte) (Outbound, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var f Outbound
	switch typ {
	case TypeConnected:
		f = Connected{}
	case TypeSubscribed:
		var v Subscribed
		err = json.Unmarshal(data, &v)
		f = v
	case TypeError:
		var v ErrorFrame
		err = json.Unmarshal(data, &v)
		f = v
	case TypeTyping:
		var v TypingEvent
		err = json.Unmarshal(data, &v)
		f = v
	case TypeMessage:
		var v MessageEvent
		err = json.Unmarshal(data, &v)
		f = v
	case TypeRead:
		var v ReadEvent
		err = json.Unmarshal(data, &v)
		f = v
	case TypePresence:
		var v Presence
		err = json.Unmarshal(data, &v)
		f = v
	case TypeSent:
		var v Sent
		err = json.Unmarshal(data, &v)
		f = v
	case TypePong:
		f = Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}
	return f, nil
}
