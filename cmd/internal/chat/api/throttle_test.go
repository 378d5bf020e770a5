package chatapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/appocareu/appocar-web/cmd/internal/conversation"
)

func TestEvaluateWindowThrottle(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	hits := []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-6 * time.Minute),
	}

	blocked, retry := evaluateWindowThrottle(now, hits, 2, 5*time.Minute)
	if !blocked {
		t.Fatalf("expected window throttle to block")
	}
	if retry != 3*time.Minute {
		t.Fatalf("expected retry=3m, got %v", retry)
	}

	blocked, retry = evaluateWindowThrottle(now, hits, 3, 5*time.Minute)
	if blocked {
		t.Fatalf("expected window throttle to allow")
	}
	if retry != 0 {
		t.Fatalf("expected retry=0, got %v", retry)
	}
}

func TestWriteThrottle_PerCaller(t *testing.T) {
	th := newWriteThrottle(2, time.Minute)
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if ok, _ := th.allow("a", now); !ok {
			t.Fatalf("hit %d rejected", i)
		}
	}
	if ok, retry := th.allow("a", now.Add(10*time.Second)); ok || retry != 50*time.Second {
		t.Fatalf("third hit ok=%v retry=%v", ok, retry)
	}
	if ok, _ := th.allow("b", now); !ok {
		t.Fatalf("other caller throttled")
	}
	if ok, _ := th.allow("a", now.Add(time.Minute+time.Second)); !ok {
		t.Fatalf("hit after window rejected")
	}
}

func TestHandler_SendIsThrottled(t *testing.T) {
	mux := newTestMux(t, conversation.NewInMemoryStore(), nil, WithWriteLimit(2, time.Hour))
	convID := openConversation(t, mux) // first write

	expectStatus(t, do(t, mux, http.MethodPost, "/api/messages", buyer, sendMessageRequest{ConversationID: convID, Body: "one"}), http.StatusCreated, "")

	rec := do(t, mux, http.MethodPost, "/api/messages", buyer, sendMessageRequest{ConversationID: convID, Body: "two"})
	expectStatus(t, rec, http.StatusTooManyRequests, "rate_limited")
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// Reads are not throttled.
	expectStatus(t, do(t, mux, http.MethodGet, "/api/conversations/"+convID+"/messages", buyer, nil), http.StatusOK, "")
}
