package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"

	v1 "github.com/appocareu/appocar-web/contracts/realtime/v1"
)

// DefaultRedisChannelPrefix prefixes the per-conversation pub/sub channels.
const DefaultRedisChannelPrefix = "appocar:chat:"

// RedisBroadcaster fans room events out across instances through Redis
// pub/sub. Every instance runs one pattern subscriber that delivers into its
// local Registry. Presence is not relayed: it stays process-local.
type RedisBroadcaster struct {
	log    *slog.Logger
	rdb    *redis.Client
	local  *Registry
	prefix string
}

// NewRedisBroadcaster constructs a RedisBroadcaster. The caller owns rdb.
func NewRedisBroadcaster(log *slog.Logger, rdb *redis.Client, local *Registry, prefix string) (*RedisBroadcaster, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if local == nil {
		return nil, errors.New("realtime: nil registry")
	}
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisBroadcaster{log: log, rdb: rdb, local: local, prefix: prefix}, nil
}

// Broadcast implements Broadcaster by publishing the encoded frame.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, conversationID string, f v1.Outbound) error {
	payload, err := v1.Encode(f)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.prefix+conversationID, payload).Err()
}

// Run subscribes to every conversation channel and delivers messages into the
// local registry until ctx is canceled.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed so early publishes are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	b.log.Info("broadcast.redis.subscribed", "pattern", b.prefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			convID := strings.TrimPrefix(m.Channel, b.prefix)
			if convID == "" || convID == m.Channel {
				continue
			}
			b.local.Deliver(convID, []byte(m.Payload))
		}
	}
}
