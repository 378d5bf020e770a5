package realtime

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/appocareu/appocar-web/cmd/internal/ids"
	v1 "github.com/appocareu/appocar-web/contracts/realtime/v1"
)

func mustOpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("APPOCAR_REDIS_URL"))
	if raw == "" {
		t.Skip("APPOCAR_REDIS_URL not set; skipping redis integration test")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("redis.ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	return rdb
}

func TestRedisBroadcaster_FansOutAcrossInstances(t *testing.T) {
	rdb := mustOpenTestRedis(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	prefix := "appocar:test:" + ids.NewRandomHex(6) + ":"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Instance A publishes, instance B owns the subscribed session.
	regA, regB := NewRegistry(log), NewRegistry(log)
	bcA, err := NewRedisBroadcaster(log, rdb, regA, prefix)
	if err != nil {
		t.Fatalf("NewRedisBroadcaster: %v", err)
	}
	bcB, err := NewRedisBroadcaster(log, rdb, regB, prefix)
	if err != nil {
		t.Fatalf("NewRedisBroadcaster: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- bcB.Run(ctx) }()

	c := NewClient("seller@appocar.test", "s1", 16)
	regB.Join("c1", c)
	drainFrames(t, c)

	ev := v1.TypingEvent{ConversationID: "c1", UserEmail: "buyer@appocar.test", IsTyping: true}

	// The subscriber may not be confirmed yet; publish until it lands.
	deadline := time.Now().Add(5 * time.Second)
	var got v1.Outbound
	for got == nil && time.Now().Before(deadline) {
		if err := bcA.Broadcast(ctx, "c1", ev); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
		select {
		case b := <-c.Send:
			got, err = v1.DecodeOutbound(b)
			if err != nil {
				t.Fatalf("DecodeOutbound: %v", err)
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	if got == nil {
		t.Fatalf("no frame delivered through redis")
	}
	if te, ok := got.(v1.TypingEvent); !ok || te != ev {
		t.Fatalf("got %#v", got)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestNewRedisBroadcaster_RequiresDeps(t *testing.T) {
	if _, err := NewRedisBroadcaster(nil, nil, NewRegistry(nil), ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewRedisBroadcaster(nil, redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), nil, ""); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}
