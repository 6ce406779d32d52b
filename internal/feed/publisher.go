package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsebet/ledgersync/internal/config"
)

// BalanceChange is one audit entry for a reconciled balance that moved by
// more than epsilon. The UI layer subscribes to the channel; the engine only
// publishes.
type BalanceChange struct {
	TenantID int64     `json:"tenant_id"`
	UserID   int64     `json:"user_id,omitempty"`
	Username string    `json:"username,omitempty"`
	Old      float64   `json:"old"`
	New      float64   `json:"new"`
	At       time.Time `json:"at"`
}

// Publisher emits balance-change events to the local store's change feed.
type Publisher interface {
	PublishBalanceChange(ctx context.Context, change BalanceChange) error
}

// redisPublisher publishes changes to a Redis pub/sub channel.
type redisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to Redis and returns a channel publisher.
func NewRedisPublisher(cfg config.RedisConfig) (Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	return &redisPublisher{client: client, channel: cfg.Channel}, nil
}

func (p *redisPublisher) PublishBalanceChange(ctx context.Context, change BalanceChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal balance change: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish balance change: %w", err)
	}
	return nil
}

// nopPublisher drops events; used when the feed is disabled.
type nopPublisher struct{}

// NewNopPublisher returns a publisher that discards all events.
func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) PublishBalanceChange(context.Context, BalanceChange) error { return nil }
