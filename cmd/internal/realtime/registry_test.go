package realtime

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"

	v1 "github.com/appocareu/appocar-web/contracts/realtime/v1"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// drainFrames returns every frame currently queued for c, decoded.
func drainFrames(t *testing.T, c *Client) []v1.Outbound {
	t.Helper()
	var out []v1.Outbound
	for {
		select {
		case b := <-c.Send:
			f, err := v1.DecodeOutbound(b)
			if err != nil {
				t.Fatalf("DecodeOutbound(%s): %v", b, err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func lastPresence(t *testing.T, frames []v1.Outbound) v1.Presence {
	t.Helper()
	for i := len(frames) - 1; i >= 0; i-- {
		if p, ok := frames[i].(v1.Presence); ok {
			return p
		}
	}
	t.Fatalf("no presence frame in %v", frames)
	return v1.Presence{}
}

func TestRegistry_JoinBroadcastsPresence(t *testing.T) {
	r := newTestRegistry()
	buyer := NewClient("b@x.io", "s1", 8)
	seller := NewClient("s@x.io", "s2", 8)

	r.Join("c1", buyer)
	if got := lastPresence(t, drainFrames(t, buyer)).Online; !reflect.DeepEqual(got, []string{"b@x.io"}) {
		t.Fatalf("online after first join = %v", got)
	}

	r.Join("c1", seller)
	want := []string{"b@x.io", "s@x.io"}
	for _, c := range []*Client{buyer, seller} {
		p := lastPresence(t, drainFrames(t, c))
		if p.ConversationID != "c1" || !reflect.DeepEqual(p.Online, want) {
			t.Fatalf("%s presence = %+v", c.Email, p)
		}
	}
}

func TestRegistry_OnlineIsDistinctPerIdentity(t *testing.T) {
	r := newTestRegistry()
	r.Join("c1", NewClient("b@x.io", "tab-1", 8))
	r.Join("c1", NewClient("b@x.io", "tab-2", 8))

	if got := r.Online("c1"); !reflect.DeepEqual(got, []string{"b@x.io"}) {
		t.Fatalf("Online = %v", got)
	}
	if got := r.Online("missing"); len(got) != 0 {
		t.Fatalf("Online(missing) = %v", got)
	}
}

func TestRegistry_LeaveUpdatesRemainingAndDropsEmptyRooms(t *testing.T) {
	r := newTestRegistry()
	buyer := NewClient("b@x.io", "s1", 8)
	seller := NewClient("s@x.io", "s2", 8)

	r.Join("c1", buyer)
	r.Join("c2", buyer)
	r.Join("c1", seller)
	drainFrames(t, buyer)
	drainFrames(t, seller)

	r.Leave(buyer)

	p := lastPresence(t, drainFrames(t, seller))
	if !reflect.DeepEqual(p.Online, []string{"s@x.io"}) {
		t.Fatalf("presence after leave = %v", p.Online)
	}
	if frames := drainFrames(t, buyer); len(frames) != 0 {
		t.Fatalf("leaver received %v", frames)
	}

	r.mu.Lock()
	_, c2Open := r.rooms["c2"]
	r.mu.Unlock()
	if c2Open {
		t.Fatalf("empty room c2 was not removed")
	}

	// Second leave is a no-op.
	r.Leave(buyer)
	if frames := drainFrames(t, seller); len(frames) != 0 {
		t.Fatalf("repeated leave produced %v", frames)
	}
}

func TestRegistry_BroadcastReachesOnlyRoomMembers(t *testing.T) {
	r := newTestRegistry()
	in := NewClient("b@x.io", "s1", 8)
	out := NewClient("o@x.io", "s2", 8)
	r.Join("c1", in)
	r.Join("c2", out)
	drainFrames(t, in)
	drainFrames(t, out)

	if err := r.Broadcast(context.Background(), "c1", v1.TypingEvent{ConversationID: "c1", UserEmail: "s@x.io", IsTyping: true}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	got := drainFrames(t, in)
	if len(got) != 1 {
		t.Fatalf("member got %d frames", len(got))
	}
	if ev, ok := got[0].(v1.TypingEvent); !ok || !ev.IsTyping {
		t.Fatalf("member got %#v", got[0])
	}
	if frames := drainFrames(t, out); len(frames) != 0 {
		t.Fatalf("non-member got %v", frames)
	}
}

func TestRegistry_FullQueueDropsWithoutBlocking(t *testing.T) {
	r := newTestRegistry()
	slow := NewClient("b@x.io", "s1", 1)
	r.Join("c1", slow) // fills the single slot with presence

	for i := 0; i < 10; i++ {
		if err := r.Broadcast(context.Background(), "c1", v1.Pong{}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	if n := len(drainFrames(t, slow)); n != 1 {
		t.Fatalf("queued frames = %d, want 1", n)
	}
}

func TestRegistry_ClosedClientIsSkipped(t *testing.T) {
	r := newTestRegistry()
	c := NewClient("b@x.io", "s1", 8)
	r.Join("c1", c)
	drainFrames(t, c)

	c.Close()
	c.Close()
	_ = r.Broadcast(context.Background(), "c1", v1.Pong{})

	if frames := drainFrames(t, c); len(frames) != 0 {
		t.Fatalf("closed client received %v", frames)
	}
}

func TestRegistry_JoinAfterCloseIsRejected(t *testing.T) {
	r := newTestRegistry()
	seller := NewClient("s@x.io", "s1", 8)
	buyer := NewClient("b@x.io", "b1", 8)
	r.Join("c1", seller)

	r.Leave(buyer)
	buyer.Close()
	if r.Join("c1", buyer) {
		t.Fatalf("Join accepted a closed client")
	}

	if got := r.Online("c1"); !reflect.DeepEqual(got, []string{"s@x.io"}) {
		t.Fatalf("online = %v", got)
	}
	if r.Join("c2", buyer) {
		t.Fatalf("Join accepted a closed client")
	}
	if got := r.Online("c2"); len(got) != 0 {
		t.Fatalf("room created for closed client: %v", got)
	}
}
