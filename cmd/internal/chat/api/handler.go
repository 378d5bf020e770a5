// Package chatapi serves the HTTP fallback for chat: conversation listing and
// creation, history, and the durable message and read-receipt writes. It
// shares its write path with the WebSocket gateway but never fans out live.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/appocareu/appocar-web/cmd/internal/auth/session"
	"github.com/appocareu/appocar-web/cmd/internal/chat"
	"github.com/appocareu/appocar-web/cmd/internal/conversation"
)

// DefaultMaxBodyBytes bounds JSON request bodies.
const DefaultMaxBodyBytes int64 = 64 << 10

// Service is the chat logic behind the handler.
type Service interface {
	OpenConversation(ctx context.Context, caller, listingID, sellerEmail string) (conversation.Conversation, bool, error)
	ListConversations(ctx context.Context, caller string) ([]conversation.Summary, error)
	History(ctx context.Context, conversationID, caller string) ([]conversation.Message, error)
	Send(ctx context.Context, conversationID, caller, body string) (conversation.Message, error)
	MarkRead(ctx context.Context, conversationID, caller string) ([]conversation.ReadReceipt, error)
}

// Handler wires the chat HTTP endpoints to a Service.
type Handler struct {
	log          *slog.Logger
	resolver     session.Resolver
	svc          Service
	maxBodyBytes int64
	throttle     *writeThrottle
	now          func() time.Time
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithWriteLimit overrides the per-caller write budget
// (DefaultWriteLimit per DefaultWriteWindow).
func WithWriteLimit(max int, window time.Duration) HandlerOption {
	return func(h *Handler) {
		h.throttle = newWriteThrottle(max, window)
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, resolver session.Resolver, svc Service, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		return nil, errors.New("chatapi: nil resolver")
	}
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	h := &Handler{
		log:          log,
		resolver:     resolver,
		svc:          svc,
		maxBodyBytes: DefaultMaxBodyBytes,
		throttle:     newWriteThrottle(DefaultWriteLimit, DefaultWriteWindow),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/conversations", h.handleListConversations)
	mux.HandleFunc("POST /api/conversations", h.handleOpenConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.handleHistory)
	mux.HandleFunc("POST /api/conversations/{id}/read", h.handleMarkRead)
	mux.HandleFunc("POST /api/messages", h.handleSend)
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	summaries, err := h.svc.ListConversations(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, "chat.list", err)
		return
	}

	out := conversationsResponse{Conversations: make([]summaryResponse, 0, len(summaries))}
	for _, s := range summaries {
		out.Conversations = append(out.Conversations, toSummaryResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok || !h.allowWrite(w, caller) {
		return
	}

	var req openConversationRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.ListingID) == "" || strings.TrimSpace(req.SellerEmail) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "listingId and sellerEmail are required")
		return
	}

	c, created, err := h.svc.OpenConversation(r.Context(), caller, req.ListingID, req.SellerEmail)
	if err != nil {
		h.writeServiceError(w, "chat.open", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("chat.open.created", "conversation_id", c.ID, "listing_id", c.ListingID)
	}
	writeJSON(w, status, conversationEnvelope{Conversation: toConversationResponse(c), Created: created})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	msgs, err := h.svc.History(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		h.writeServiceError(w, "chat.history", err)
		return
	}

	out := messagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok || !h.allowWrite(w, caller) {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversationId is required")
		return
	}

	m, err := h.svc.Send(r.Context(), req.ConversationID, caller, req.Body)
	if err != nil {
		h.writeServiceError(w, "chat.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageEnvelope{Message: toMessageResponse(m)})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	receipts, err := h.svc.MarkRead(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		h.writeServiceError(w, "chat.read", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadResponse(receipts))
}

// ---- helpers ----

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	ident, err := h.resolver.Resolve(r)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
		} else {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		}
		return "", false
	}
	return ident.Email, true
}

func (h *Handler) allowWrite(w http.ResponseWriter, caller string) bool {
	ok, retry := h.throttle.allow(caller, h.now())
	if !ok {
		h.log.Info("chat.write.rate_limited", "email", caller, "retry_after", retry)
		writeRateLimited(w, retry)
	}
	return ok
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var opErr chat.OpError
	msg := ""
	if errors.As(err, &opErr) {
		msg = opErr.Msg
	}

	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this conversation")
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, chat.ErrValidation):
		if msg == "" {
			msg = "invalid request"
		}
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "please retry later")
	}
}
