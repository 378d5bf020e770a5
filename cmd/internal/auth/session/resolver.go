package session

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// EmailHeader is the trusted development identity header.
const EmailHeader = "X-User-Email"

// Identity is the authenticated caller.
type Identity struct {
	Email     string
	SessionID string
}

// Resolver extracts the caller identity from a request.
// Implementations return ErrUnauthenticated when no credentials are present
// and ErrInvalidToken when credentials are present but rejected.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TokenResolver verifies an access token from the Authorization header or,
// failing that, from the session cookie.
type TokenResolver struct {
	Tokens     AccessTokenManager
	CookieName string
	Now        func() time.Time
}

// Resolve implements Resolver.
func (tr TokenResolver) Resolve(r *http.Request) (Identity, error) {
	if tr.Tokens == nil || r == nil {
		return Identity{}, ErrUnauthenticated
	}

	raw := bearerToken(r)
	if raw == "" && tr.CookieName != "" {
		if c, err := r.Cookie(tr.CookieName); err == nil {
			raw = strings.TrimSpace(c.Value)
		}
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	now := time.Now().UTC()
	if tr.Now != nil {
		now = tr.Now()
	}

	claims, err := tr.Tokens.Verify(raw, now)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Email: claims.Email, SessionID: claims.SessionID}, nil
}

// HeaderResolver trusts X-User-Email. Development only.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrUnauthenticated
	}
	email := NormalizeEmail(r.Header.Get(EmailHeader))
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Email: email}, nil
}

// ChainResolver tries resolvers in order. The first success wins; an invalid
// token stops the chain so a bad credential cannot fall through to a weaker one.
type ChainResolver []Resolver

// Resolve implements Resolver.
func (c ChainResolver) Resolve(r *http.Request) (Identity, error) {
	for _, res := range c {
		if res == nil {
			continue
		}
		id, err := res.Resolve(r)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrUnauthenticated
}

// NewResolver builds the resolver chain described by cfg.
func NewResolver(cfg Config) (Resolver, error) {
	var chain ChainResolver

	if cfg.HasKeys() {
		tokens, err := NewPasetoV4PublicManager(cfg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, TokenResolver{Tokens: tokens, CookieName: cfg.CookieName})
	}
	if cfg.TrustEmailHeader {
		chain = append(chain, HeaderResolver{})
	}
	if len(chain) == 0 {
		return nil, ErrConfig
	}
	return chain, nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
