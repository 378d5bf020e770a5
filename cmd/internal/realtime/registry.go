package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	v1 "github.com/appocareu/appocar-web/contracts/realtime/v1"
)

// Broadcaster delivers a frame to every open session in a conversation room.
// Delivery is best-effort and never retried.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, f v1.Outbound) error
}

// Room is the set of sessions currently subscribed to one conversation.
// Rooms are owned by a Registry and only touched under its lock.
type Room struct {
	ID      string
	members map[string]*Client
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: make(map[string]*Client)}
}

func (rm *Room) online() []string {
	seen := make(map[string]struct{}, len(rm.members))
	out := make([]string, 0, len(rm.members))
	for _, c := range rm.members {
		if _, ok := seen[c.Email]; ok {
			continue
		}
		seen[c.Email] = struct{}{}
		out = append(out, c.Email)
	}
	sort.Strings(out)
	return out
}

// deliver never blocks: closing sessions are skipped and full queues drop.
func (rm *Room) deliver(log *slog.Logger, payload []byte) {
	for _, c := range rm.members {
		if !c.offer(payload) {
			deliveriesDropped.Inc()
			log.Debug("room.deliver.drop", "conversation_id", rm.ID, "session_id", c.SessionID)
		}
	}
}

// Registry maps conversation ids to rooms of connected sessions and tracks
// which rooms each session joined. It is process-local.
//
// Concurrency guarantees:
//   - Join/Leave/Broadcast are safe from any goroutine.
//   - Fan-out happens under the registry lock with non-blocking sends, so every
//     member observes room events in one global order.
type Registry struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join adds client to the conversation room, creating it if needed, and
// broadcasts the room's presence. A closed client is not added; Join then
// reports false.
func (r *Registry) Join(conversationID string, client *Client) bool {
	if r == nil || client == nil || conversationID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-client.Done():
		return false
	default:
	}

	rm := r.rooms[conversationID]
	if rm == nil {
		rm = newRoom(conversationID)
		r.rooms[conversationID] = rm
		roomsOpen.Inc()
	}
	rm.members[client.SessionID] = client
	client.rooms[conversationID] = struct{}{}

	r.log.Info("room.join", "conversation_id", conversationID, "session_id", client.SessionID)
	r.presenceLocked(rm)
	return true
}

// Leave removes client from every room it joined. Empty rooms are deleted;
// the others receive a presence update. Calling Leave twice is a no-op.
func (r *Registry) Leave(client *Client) {
	if r == nil || client == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range client.rooms {
		delete(client.rooms, id)

		rm := r.rooms[id]
		if rm == nil {
			continue
		}
		delete(rm.members, client.SessionID)
		r.log.Info("room.leave", "conversation_id", id, "session_id", client.SessionID)

		if len(rm.members) == 0 {
			delete(r.rooms, id)
			roomsOpen.Dec()
			continue
		}
		r.presenceLocked(rm)
	}
}

// Online returns the distinct identities connected to the room, sorted.
func (r *Registry) Online(conversationID string) []string {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[conversationID]
	if rm == nil {
		return []string{}
	}
	return rm.online()
}

// Broadcast implements Broadcaster for a single process.
func (r *Registry) Broadcast(_ context.Context, conversationID string, f v1.Outbound) error {
	b, err := v1.Encode(f)
	if err != nil {
		return err
	}
	r.Deliver(conversationID, b)
	return nil
}

// Deliver fans an encoded frame out to the local room.
func (r *Registry) Deliver(conversationID string, payload []byte) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rm := r.rooms[conversationID]; rm != nil {
		rm.deliver(r.log, payload)
	}
}

func (r *Registry) presenceLocked(rm *Room) {
	b, err := v1.Encode(v1.Presence{ConversationID: rm.ID, Online: rm.online()})
	if err != nil {
		r.log.Error("room.presence.encode", "conversation_id", rm.ID, "err", err)
		return
	}
	rm.deliver(r.log, b)
}
