// Package realtime contains the APPOCAR chat WebSocket gateway, the
// process-local room registry and the delivery broadcasters.
package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/appocareu/appocar-web/cmd/internal/auth/session"
	"github.com/appocareu/appocar-web/cmd/internal/chat"
	"github.com/appocareu/appocar-web/cmd/internal/conversation"
	"github.com/appocareu/appocar-web/cmd/internal/ids"
	v1 "github.com/appocareu/appocar-web/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	// Security defaults:
	// - Origin is optional (native apps send none) but checked when present.
	// - Only localhost is allowed by default.
	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Error codes carried by outbound error frames.
const (
	errCodeForbidden   = "forbidden"
	errCodeUnavailable = "unavailable"
)

// ChatService is the conversation logic the gateway drives.
type ChatService interface {
	Authorize(ctx context.Context, conversationID, caller string) error
	Send(ctx context.Context, conversationID, caller, body string) (conversation.Message, error)
	MarkRead(ctx context.Context, conversationID, caller string) ([]conversation.ReadReceipt, error)
}

// GatewayConfig tunes the WebSocket gateway.
type GatewayConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout time.Duration
	// ReadIdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	// HeartbeatEvery <= 0 disables server pings.
	HeartbeatEvery time.Duration
	// HeartbeatTimeout bounds the wait for a pong. Pongs are only read by the
	// session's read loop, so a ping that times out while a frame is being
	// handled is not counted as a failure.
	HeartbeatTimeout time.Duration
	MaxPingFailures  int

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		MaxPingFailures:  maxPingFailures,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// GatewayConfigFromEnv reads APPOCAR_WS_* overrides on top of the defaults.
func GatewayConfigFromEnv() GatewayConfig {
	cfg := DefaultGatewayConfig()

	// NOTE: InsecureSkipVerify is a dev-only knob. It disables the library's origin check.
	cfg.DevInsecure = envBoolWS("APPOCAR_WS_DEV_INSECURE", false)

	cfg.OriginRequired = envBoolWS("APPOCAR_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	cfg.AllowedOrigins = envCSVWS("APPOCAR_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	cfg.WriteTimeout = envDurationWS("APPOCAR_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	cfg.ReadIdleTimeout = envDurationWS("APPOCAR_WS_READ_IDLE_TIMEOUT", 0)
	cfg.SendQueueSize = envIntWS("APPOCAR_WS_SEND_QUEUE", wsDefaultSendQueueSize)

	cfg.HeartbeatEvery = envDurationWS("APPOCAR_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	cfg.HeartbeatTimeout = envDurationWS("APPOCAR_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)
	cfg.MaxPingFailures = envIntWS("APPOCAR_WS_HEARTBEAT_MAX_FAILURES", maxPingFailures)

	cfg.RateEvents = envIntWS("APPOCAR_WS_RATE_EVENTS", rateLimitEvents)
	cfg.RateWindow = envDurationWS("APPOCAR_WS_RATE_WINDOW", rateLimitWindow)

	return cfg
}

// WSGateway is the WebSocket entrypoint for chat.
//
// It enforces the origin policy, resolves the caller identity before the
// upgrade, and routes decoded frames to the chat service, the room registry
// and the broadcaster. Membership is re-checked on every frame.
type WSGateway struct {
	log         *slog.Logger
	cfg         GatewayConfig
	resolver    session.Resolver
	chat        ChatService
	registry    *Registry
	broadcaster Broadcaster

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	// Serializes store write + broadcast per conversation so room order matches store order.
	convLocks *keyedMutex
}

// NewWSGateway constructs a gateway. broadcaster defaults to registry.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, resolver session.Resolver, svc ChatService, registry *Registry, broadcaster Broadcaster) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if resolver == nil {
		return nil, errors.New("realtime: nil resolver")
	}
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if broadcaster == nil {
		broadcaster = registry
	}

	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	if cfg.MaxPingFailures <= 0 {
		cfg.MaxPingFailures = maxPingFailures
	}

	return &WSGateway{
		log:         log,
		cfg:         cfg,
		resolver:    resolver,
		chat:        svc,
		registry:    registry,
		broadcaster: broadcaster,

		// websocket.Accept enforces its own origin policy (same-host ok,
		// cross-origin needs OriginPatterns). Derive the patterns from the
		// allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		convLocks:      newKeyedMutex(),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// wsSession is the per-connection state shared by the read loop and handlers.
type wsSession struct {
	client *Client
	conn   *websocket.Conn
	log    *slog.Logger

	// handling is set while the read loop is inside dispatch; handled counts
	// dispatched frames.
	handling atomic.Bool
	handled  atomic.Uint64
}

// stalledSince reports whether the read loop was busy with a frame at any
// point since mark was taken.
func (s *wsSession) stalledSince(mark uint64, wasHandling bool) bool {
	return wasHandling || s.handling.Load() || s.handled.Load() != mark
}

// HandleWS authenticates, upgrades and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.resolver.Resolve(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Offered, not required: clients that request nothing get no subprotocol.
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(hardReadLimit)

	sessionID := ids.NewRandomHex(10)
	client := NewClient(ident.Email, sessionID, g.cfg.SendQueueSize)
	s := &wsSession{
		client: client,
		conn:   conn,
		log:    g.log.With("session_id", sessionID, "email", ident.Email),
	}

	sessionsOpen.Inc()
	defer sessionsOpen.Dec()
	s.log.Info("ws.session.open", "subprotocol", conn.Subprotocol())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. The client is closed before it leaves its rooms
	// so a subscribe still in flight cannot rejoin it.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			g.registry.Leave(client)
			_ = conn.Close(code, reason)
			cancel()
			s.log.Info("ws.session.close", "code", code, "reason", reason)
		})
	}

	g.enqueue(s, v1.Connected{})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case b := <-client.Send:
				if err := writeFrame(ctx, conn, b, g.cfg.WriteTimeout); err != nil {
					s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		if g.cfg.HeartbeatEvery <= 0 {
			return
		}

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				mark, wasHandling := s.handled.Load(), s.handling.Load()
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil && errors.Is(err, context.DeadlineExceeded) && s.stalledSince(mark, wasHandling) {
					s.log.Debug("ws.ping.skip", "reason", "reader_busy")
					continue
				}
				if err != nil {
					failures++
					s.log.Info("ws.ping.fail", "failures", failures, "err", err)
					// A lost heartbeat is a disconnect: the session leaves its rooms.
					if failures >= g.cfg.MaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		data, err := g.readFrame(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				s.log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if len(data) > maxFrameBytes {
			s.log.Info("ws.frame.drop", "reason", "oversize", "bytes", len(data))
			framesTotal.WithLabelValues("unknown", "oversize").Inc()
			continue
		}

		if !rl.Allow(time.Now().UTC()) {
			s.log.Info("ws.frame.drop", "reason", "rate_limited")
			framesTotal.WithLabelValues("unknown", "rate_limited").Inc()
			continue
		}

		f, err := v1.DecodeInbound(data)
		if err != nil {
			s.log.Info("ws.frame.drop", "reason", "decode", "err", err)
			framesTotal.WithLabelValues("unknown", "malformed").Inc()
			continue
		}

		s.handling.Store(true)
		outcome := g.dispatch(ctx, s, f)
		s.handled.Add(1)
		s.handling.Store(false)
		framesTotal.WithLabelValues(v1.InboundTypeOf(f), outcome).Inc()
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	// Leave is idempotent; it runs again in case a frame handled concurrently
	// with shutdown joined a room.
	g.registry.Leave(client)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) dispatch(ctx context.Context, s *wsSession, f v1.Inbound) string {
	switch f := f.(type) {
	case v1.Subscribe:
		return g.onSubscribe(ctx, s, f)
	case v1.Unsubscribe:
		g.registry.Leave(s.client)
		return "ok"
	case v1.Typing:
		return g.onTyping(ctx, s, f)
	case v1.Send:
		return g.onSend(ctx, s, f)
	case v1.Read:
		return g.onRead(ctx, s, f)
	case v1.Ping:
		g.enqueue(s, v1.Pong{})
		return "ok"
	default:
		return "ignored"
	}
}

func (g *WSGateway) onSubscribe(ctx context.Context, s *wsSession, f v1.Subscribe) string {
	convID := strings.TrimSpace(f.ConversationID)
	if convID == "" {
		return "ignored"
	}
	if err := g.chat.Authorize(ctx, convID, s.client.Email); err != nil {
		return g.replyErr(s, "subscribe", convID, err)
	}

	if !g.registry.Join(convID, s.client) {
		return "closed"
	}
	g.enqueue(s, v1.Subscribed{ConversationID: convID})
	return "ok"
}

func (g *WSGateway) onTyping(ctx context.Context, s *wsSession, f v1.Typing) string {
	convID := strings.TrimSpace(f.ConversationID)
	if convID == "" {
		return "ignored"
	}
	if err := g.chat.Authorize(ctx, convID, s.client.Email); err != nil {
		return g.replyErr(s, "typing", convID, err)
	}

	unlock := g.convLocks.Lock(convID)
	defer unlock()

	g.broadcast(ctx, s, convID, v1.TypingEvent{
		ConversationID: convID,
		UserEmail:      s.client.Email,
		IsTyping:       f.IsTyping,
	})
	return "ok"
}

func (g *WSGateway) onSend(ctx context.Context, s *wsSession, f v1.Send) string {
	convID := strings.TrimSpace(f.ConversationID)
	if convID == "" || strings.TrimSpace(f.Body) == "" {
		return "ignored"
	}

	unlock := g.convLocks.Lock(convID)
	m, err := g.chat.Send(ctx, convID, s.client.Email, f.Body)
	if err != nil {
		unlock()
		return g.replyErr(s, "send", convID, err)
	}
	g.broadcast(ctx, s, convID, v1.MessageEvent{
		ConversationID: convID,
		Message:        wireMessage(m),
	})
	unlock()

	g.enqueue(s, v1.Sent{MessageID: m.ID})
	return "ok"
}

func (g *WSGateway) onRead(ctx context.Context, s *wsSession, f v1.Read) string {
	convID := strings.TrimSpace(f.ConversationID)
	if convID == "" {
		return "ignored"
	}

	unlock := g.convLocks.Lock(convID)
	defer unlock()

	receipts, err := g.chat.MarkRead(ctx, convID, s.client.Email)
	if err != nil {
		return g.replyErr(s, "read", convID, err)
	}
	if len(receipts) == 0 {
		return "ok"
	}

	msgIDs := make([]string, len(receipts))
	for i, rc := range receipts {
		msgIDs[i] = rc.MessageID
	}
	g.broadcast(ctx, s, convID, v1.ReadEvent{
		ConversationID: convID,
		ReaderEmail:    s.client.Email,
		MessageIDs:     msgIDs,
		ReadAt:         receipts[0].ReadAt,
	})
	return "ok"
}

// ---- send helpers ----

// replyErr maps a chat error onto the socket: validation is silent, auth
// failures and store failures become an error frame to the sender only.
func (g *WSGateway) replyErr(s *wsSession, op, convID string, err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return "invalid"
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrUnauthorized):
		s.log.Info("ws."+op+".forbidden", "conversation_id", convID)
		g.enqueue(s, v1.ErrorFrame{Error: errCodeForbidden})
		return "forbidden"
	default:
		s.log.Error("ws."+op+".fail", "conversation_id", convID, "err", err)
		g.enqueue(s, v1.ErrorFrame{Error: errCodeUnavailable})
		return "error"
	}
}

func (g *WSGateway) broadcast(ctx context.Context, s *wsSession, convID string, f v1.Outbound) {
	if err := g.broadcaster.Broadcast(ctx, convID, f); err != nil {
		s.log.Warn("ws.broadcast.fail", "conversation_id", convID, "type", v1.TypeOf(f), "err", err)
	}
}

func (g *WSGateway) enqueue(s *wsSession, f v1.Outbound) bool {
	b, err := v1.Encode(f)
	if err != nil {
		s.log.Error("ws.encode.fail", "type", v1.TypeOf(f), "err", err)
		return false
	}
	if !s.client.offer(b) {
		deliveriesDropped.Inc()
		return false
	}
	return true
}

func wireMessage(m conversation.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderEmail:    m.SenderEmail,
		Body:           m.Body,
		SentAt:         m.SentAt,
		ReadAt:         m.ReadAt,
	}
}

// ---- frame IO ----

func (g *WSGateway) readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	if g.cfg.ReadIdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		defer cancel()
	}
	_, data, err := conn.Read(ctx)
	return data, err
}

func writeFrame(parent context.Context, conn *websocket.Conn, b []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated
// hosts of the allowlist for websocket.AcceptOptions.OriginPatterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	sort.Strings(out)

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
