package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type failingSink struct{ calls atomic.Int32 }

type countingSink struct{ calls atomic.Int32 }

func (c *countingSink) Name() string { return "counting" }
func (c *countingSink) Deliver(context.Context, Notification) error {
	c.calls.Add(1)
	return nil
}

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Deliver(context.Context, Notification) error {
	f.calls.Add(1)
	return errors.New("boom")
}

func TestNewMessage_PreviewIs160Runes(t *testing.T) {
	long := strings.Repeat("é", 200)
	n := NewMessage(" Seller@Example.com ", long, "c1", "l1", time.Time{})

	if n.UserEmail != "seller@example.com" {
		t.Fatalf("recipient=%q", n.UserEmail)
	}
	if n.Type != TypeMessage || n.Title != "New message" {
		t.Fatalf("type/title = %q/%q", n.Type, n.Title)
	}
	if got := utf8.RuneCountInString(n.Body); got != 160 {
		t.Fatalf("preview runes=%d want 160", got)
	}
	if n.Meta.ConversationID != "c1" || n.Meta.ListingID != "l1" {
		t.Fatalf("meta=%+v", n.Meta)
	}
	if n.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to default to now")
	}

	short := NewMessage("s@x.test", "hi", "c1", "l1", time.Now())
	if short.Body != "hi" {
		t.Fatalf("short body changed: %q", short.Body)
	}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	mem := NewInMemoryStore()
	bad := &failingSink{}
	d := NewDispatcher(testLogger(), DispatcherConfig{QueueSize: 4, Workers: 1}, bad, nil, mem)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	if !d.Enqueue(NewMessage("s@x.test", "hello", "c1", "l1", time.Now())) {
		t.Fatalf("enqueue rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(mem.ForUser("s@x.test")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("notification not delivered to memory sink")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := mem.ForUser("S@X.TEST")[0]
	if got.ID == "" {
		t.Fatalf("expected an id to be assigned")
	}
	if bad.calls.Load() != 1 {
		t.Fatalf("failing sink calls=%d want 1", bad.calls.Load())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	d := NewDispatcher(testLogger(), DispatcherConfig{QueueSize: 1, Workers: 1}, NewInMemoryStore())

	if !d.Enqueue(NewMessage("s@x.test", "a", "c1", "l1", time.Now())) {
		t.Fatalf("first enqueue rejected")
	}

	start := time.Now()
	if d.Enqueue(NewMessage("s@x.test", "b", "c1", "l1", time.Now())) {
		t.Fatalf("second enqueue accepted on full queue")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("Enqueue blocked on a full queue")
	}
}

func TestDispatcher_NilIsSafe(t *testing.T) {
	var d *Dispatcher
	if d.Enqueue(Notification{}) {
		t.Fatalf("nil dispatcher accepted a notification")
	}
}

func TestDispatcher_ShutdownReportsPending(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := &countingSink{}
	d := NewDispatcher(log, DispatcherConfig{QueueSize: 8, Workers: 1}, sink)

	for _, body := range []string{"a", "b", "c"} {
		if !d.Enqueue(NewMessage("s@x.test", body, "c1", "l1", time.Now())) {
			t.Fatalf("enqueue %q rejected", body)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(d.queue); n != 0 {
		t.Fatalf("queue still holds %d notifications", n)
	}

	pending := 0
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec struct {
			Msg     string `json:"msg"`
			Pending int    `json:"pending"`
		}
		if json.Unmarshal(line, &rec) == nil && rec.Msg == "notify.shutdown.drop" {
			pending = rec.Pending
		}
	}

	if delivered := int(sink.calls.Load()); delivered+pending != 3 {
		t.Fatalf("delivered=%d pending=%d, want 3 in total", delivered, pending)
	}
}

func TestDispatcher_DrainPendingCounts(t *testing.T) {
	d := NewDispatcher(testLogger(), DispatcherConfig{QueueSize: 4, Workers: 1})
	d.Enqueue(NewMessage("s@x.test", "a", "c1", "l1", time.Now()))
	d.Enqueue(NewMessage("s@x.test", "b", "c1", "l1", time.Now()))

	if n := d.drainPending(); n != 2 {
		t.Fatalf("drainPending = %d, want 2", n)
	}
	if n := d.drainPending(); n != 0 {
		t.Fatalf("second drainPending = %d, want 0", n)
	}
}
