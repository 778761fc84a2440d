// Package notification hands delivery work to an external consumer over a
// redis queue. The core treats dispatch as fire-and-forget: at-least-once
// delivery and retries belong to the consumer.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/skillgate/skillgate/internal/clock"
	"go.uber.org/zap"
)

const (
	queueKey   = "skillgate:notifications"
	delayedKey = "skillgate:notifications:delayed"
)

type Dispatcher interface {
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) error
}

type envelope struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Payload    any       `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type redisDispatcher struct {
	client *redis.Client
	clock  clock.Clock
	log    *zap.Logger
}

func NewRedisDispatcher(client *redis.Client, clk clock.Clock, log *zap.Logger) Dispatcher {
	return &redisDispatcher{
		client: client,
		clock:  clk,
		log:    log.Named("notification.redis"),
	}
}

func (d *redisDispatcher) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) error {
	now := d.clock.Now()
	raw, err := json.Marshal(envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: now,
	})
	if err != nil {
		return err
	}

	if delay > 0 {
		readyAt := now.Add(delay)
		return d.client.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(readyAt.Unix()),
			Member: raw,
		}).Err()
	}
	return d.client.LPush(ctx, queueKey, raw).Err()
}

// noopDispatcher stands in when redis is not configured. It never errors,
// so callers behave identically with and without a queue.
type noopDispatcher struct {
	log *zap.Logger
}

func NewNoopDispatcher(log *zap.Logger) Dispatcher {
	return &noopDispatcher{log: log.Named("notification.noop")}
}

func (d *noopDispatcher) Enqueue(_ context.Context, kind string, _ any, _ time.Duration) error {
	d.log.Debug("notification dropped, no queue configured", zap.String("kind", kind))
	return nil
}
