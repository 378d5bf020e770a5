package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenResolver(t *testing.T) {
	m, cfg := newTestManager(t)
	tok, _, err := m.Issue("b@x.test", "sid-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res := TokenResolver{Tokens: m, CookieName: cfg.CookieName}

	t.Run("bearer", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		id, err := res.Resolve(r)
		if err != nil || id.Email != "b@x.test" || id.SessionID != "sid-1" {
			t.Fatalf("id=%+v err=%v", id, err)
		}
	})

	t.Run("cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: cfg.CookieName, Value: tok})
		id, err := res.Resolve(r)
		if err != nil || id.Email != "b@x.test" {
			t.Fatalf("id=%+v err=%v", id, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if _, err := res.Resolve(r); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("err=%v want ErrUnauthenticated", err)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer nope")
		if _, err := res.Resolve(r); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err=%v want ErrInvalidToken", err)
		}
	})
}

func TestHeaderResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set(EmailHeader, "  Seller@Example.COM ")
	id, err := HeaderResolver{}.Resolve(r)
	if err != nil || id.Email != "seller@example.com" {
		t.Fatalf("id=%+v err=%v", id, err)
	}

	r.Header.Set(EmailHeader, "not-an-email")
	if _, err := (HeaderResolver{}).Resolve(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v want ErrUnauthenticated", err)
	}
}

func TestChainResolver_InvalidTokenDoesNotFallThrough(t *testing.T) {
	m, cfg := newTestManager(t)
	chain := ChainResolver{TokenResolver{Tokens: m, CookieName: cfg.CookieName}, HeaderResolver{}}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer forged")
	r.Header.Set(EmailHeader, "victim@x.test")
	if _, err := chain.Resolve(r); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err=%v want ErrInvalidToken", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set(EmailHeader, "dev@x.test")
	id, err := chain.Resolve(r)
	if err != nil || id.Email != "dev@x.test" {
		t.Fatalf("id=%+v err=%v", id, err)
	}
}

func TestNewResolver(t *testing.T) {
	if _, err := NewResolver(Config{}); err != ErrConfig {
		t.Fatalf("empty config: got %v", err)
	}
	res, err := NewResolver(Config{TrustEmailHeader: true})
	if err != nil {
		t.Fatalf("header-only: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(EmailHeader, "a@x.test")
	if id, err := res.Resolve(r); err != nil || id.Email != "a@x.test" {
		t.Fatalf("id=%+v err=%v", id, err)
	}
}
