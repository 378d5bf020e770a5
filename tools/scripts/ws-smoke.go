// Package main provides a CI-friendly end-to-end smoke test for APPOCAR chat.
//
// It validates:
//   - conversation find-or-create over the HTTP fallback
//   - handshake + connected frame for buyer and seller
//   - subscribe + presence
//   - send -> message fanout + sent ack
//   - read -> read receipt fanout
//   - ping -> pong
//   - history fetch reflects the read receipt
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"

	v1 "github.com/appocareu/appocar-web/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type identity struct {
	email string
	h     http.Header
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Outbound
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		buyer     = flag.String("buyer", "smoke-buyer@appocar.test", "Buyer identity")
		seller    = flag.String("seller", "smoke-seller@appocar.test", "Seller identity")
		listingID = flag.String("listing", "smoke-listing-1", "Listing ID the conversation is about")
		text      = flag.String("text", "Is this car still available? 🚗", "Message text to send")
		secretHex = flag.String("secret-key", os.Getenv("APPOCAR_PASETO_V4_SECRET_KEY_HEX"), "PASETO v4 secret key hex used to mint tokens; empty uses the X-User-Email header")
		issuer    = flag.String("issuer", envOr("APPOCAR_AUTH_ISSUER", "appocar"), "Token issuer expected by the server")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	b := mustIdentity(*buyer, *secretHex, *issuer, *origin)
	s := mustIdentity(*seller, *secretHex, *issuer, *origin)

	root := context.Background()
	apiBase := httpBaseURL(*wsURL)

	convID := mustOpenConversation(root, apiBase, b, *listingID, s.email, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	bc := mustConnect(root, "buyer", *wsURL, b, *timeout)
	defer closeWS(bc.conn)
	sc := mustConnect(root, "seller", *wsURL, s, *timeout)
	defer closeWS(sc.conn)

	mustSubscribe(root, bc, convID, *timeout)
	mustSubscribe(root, sc, convID, *timeout)
	bc.mustReadUntil(root, *timeout, "presence with both", func(f v1.Outbound) bool {
		p, ok := f.(v1.Presence)
		return ok && len(p.Online) == 2
	})

	mustWriteWithTimeout(root, bc.conn, v1.Send{ConversationID: convID, Body: *text}, v1.TypeSend, *timeout)

	got := sc.mustReadUntil(root, *timeout, "message", isType(v1.TypeMessage)).(v1.MessageEvent)
	if got.Message.Body != strings.TrimSpace(*text) || got.Message.SenderEmail != b.email {
		fatalf("message mismatch: %+v", got.Message)
	}
	ack := bc.mustReadUntil(root, *timeout, "sent", isType(v1.TypeSent)).(v1.Sent)
	if ack.MessageID != got.Message.ID {
		fatalf("sent ack mismatch: got=%q want=%q", ack.MessageID, got.Message.ID)
	}

	mustWriteWithTimeout(root, sc.conn, v1.Read{ConversationID: convID}, v1.TypeRead, *timeout)
	rd := bc.mustReadUntil(root, *timeout, "read", isType(v1.TypeRead)).(v1.ReadEvent)
	if rd.ReaderEmail != s.email || len(rd.MessageIDs) == 0 || rd.MessageIDs[len(rd.MessageIDs)-1] != got.Message.ID {
		fatalf("read receipt mismatch: %+v", rd)
	}

	mustWriteWithTimeout(root, sc.conn, v1.Ping{}, v1.TypePing, *timeout)
	sc.mustReadUntil(root, *timeout, "pong", isType(v1.TypePong))

	mustHistoryHasRead(root, apiBase, b, convID, got.Message.ID, *timeout)

	fmt.Printf("OK: conversation=%s message=%s read_at=%s\n", convID, got.Message.ID, rd.ReadAt.Format(time.RFC3339Nano))
}

func mustIdentity(email, secretHex, issuer, origin string) identity {
	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if secretHex == "" {
		h.Set("X-User-Email", email)
		return identity{email: email, h: h}
	}

	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretHex)
	if err != nil {
		fatalf("invalid -secret-key: %v", err)
	}

	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(5 * time.Minute))
	_ = tok.Set("email", email)
	_ = tok.Set("sid", "smoke")

	h.Set("Authorization", "Bearer "+tok.V4Sign(secret, nil))
	return identity{email: email, h: h}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func httpBaseURL(wsURL string) string {
	u, _ := url.Parse(wsURL)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// ---- HTTP fallback ----

func doJSON(parent context.Context, method, endpoint string, id identity, body any, out any, stepTimeout time.Duration) int {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		fatalf("build request: %v", err)
	}
	for k, vs := range id.h {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode >= 300 {
		fatalf("%s %s: status=%d body=%s", method, endpoint, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("decode %s: %v", endpoint, err)
		}
	}
	return resp.StatusCode
}

func mustOpenConversation(parent context.Context, apiBase string, buyer identity, listingID, sellerEmail string, stepTimeout time.Duration) string {
	var out struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	doJSON(parent, http.MethodPost, apiBase+"/api/conversations", buyer, map[string]string{
		"listingId":   listingID,
		"sellerEmail": sellerEmail,
	}, &out, stepTimeout)

	if strings.TrimSpace(out.Conversation.ID) == "" {
		fatalf("open conversation: missing id")
	}
	return out.Conversation.ID
}

func mustHistoryHasRead(parent context.Context, apiBase string, id identity, convID, msgID string, stepTimeout time.Duration) {
	var out struct {
		Messages []struct {
			ID     string     `json:"id"`
			ReadAt *time.Time `json:"readAt"`
		} `json:"messages"`
	}
	doJSON(parent, http.MethodGet, apiBase+"/api/conversations/"+url.PathEscape(convID)+"/messages", id, nil, &out, stepTimeout)

	for _, m := range out.Messages {
		if m.ID == msgID {
			if m.ReadAt == nil {
				fatalf("history: message %s not marked read", msgID)
			}
			return
		}
	}
	fatalf("history: message %s missing", msgID)
}

// ---- WebSocket ----

func mustConnect(parent context.Context, name, wsURL string, id identity, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   id.h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Outbound, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.mustReadUntil(parent, stepTimeout, v1.TypeConnected, isType(v1.TypeConnected))
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			f, err := v1.DecodeOutbound(data)
			if err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Subscribe{ConversationID: convID}, v1.TypeSubscribe, stepTimeout)

	f := c.mustReadUntil(parent, stepTimeout, v1.TypeSubscribed, isType(v1.TypeSubscribed)).(v1.Subscribed)
	if f.ConversationID != convID {
		fatalf("subscribed conversation mismatch (%s): got=%q want=%q", c.name, f.ConversationID, convID)
	}
}

func isType(typ string) func(v1.Outbound) bool {
	return func(f v1.Outbound) bool { return v1.TypeOf(f) == typ }
}

// mustReadUntil skips unrelated frames until match succeeds. Error frames are fatal.
func (c *smokeClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, what string, match func(v1.Outbound) bool) v1.Outbound {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s): %v", what, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %s (%s)", what, c.name)
			}
			fatalf("connection error while waiting for %s (%s): %v", what, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", what, c.name)
			}
			if ef, isErr := f.(v1.ErrorFrame); isErr {
				fatalf("server error (%s): %q", c.name, ef.Error)
			}
			if match(f) {
				return f
			}
		}
	}
}

// mustWriteWithTimeout writes an inbound frame, injecting its "type".
func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, f v1.Inbound, typ string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	fields := map[string]any{}
	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		fatalf("marshal frame: %v", err)
	}
	fields["type"] = typ

	b, err = json.Marshal(fields)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
