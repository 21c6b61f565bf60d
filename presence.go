package quill

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which peers are currently connected to a channel, backed
// by Redis keys with a TTL so crashed peers age out on their own.
type Presence struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPresence connects to Redis and verifies the connection.
func NewPresence(ctx context.Context, cfg RedisConfig) (*Presence, error) {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 30 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Presence{rdb: rdb, ttl: cfg.PresenceTTL}, nil
}

func presenceKey(channel ChannelID, peer PeerID) string {
	return "quill:presence:" + channel.String() + ":" + hex.EncodeToString(peer[:])
}

// Touch marks a peer present on a channel, refreshing its TTL.
func (p *Presence) Touch(ctx context.Context, channel ChannelID, peer PeerID) error {
	return p.rdb.Set(ctx, presenceKey(channel, peer), 1, p.ttl).Err()
}

// Leave removes a peer's presence immediately.
func (p *Presence) Leave(ctx context.Context, channel ChannelID, peer PeerID) error {
	return p.rdb.Del(ctx, presenceKey(channel, peer)).Err()
}

// List returns the peers currently present on a channel.
func (p *Presence) List(ctx context.Context, channel ChannelID) ([]PeerID, error) {
	var out []PeerID
	prefix := "quill:presence:" + channel.String() + ":"
	iter := p.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := hex.DecodeString(iter.Val()[len(prefix):])
		if err != nil {
			continue
		}
		peer, err := PeerIDFromBytes(raw)
		if err != nil {
			continue
		}
		out = append(out, peer)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the Redis connection.
func (p *Presence) Close() error {
	return p.rdb.Close()
}
