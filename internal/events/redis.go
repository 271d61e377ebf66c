package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel task events are published on.
const DefaultChannel = "scheduler:task_events"

// RedisEmitter publishes task events as JSON messages on a Redis pub/sub
// channel so external dashboards can follow task progress in real time.
type RedisEmitter struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisEmitter connects to Redis and returns an emitter publishing on
// the given channel (DefaultChannel if empty). The connection is verified
// with a ping so a misconfigured address fails at startup, not on first
// publish.
func NewRedisEmitter(
	ctx context.Context,
	addr string,
	channel string,
	logger *slog.Logger,
) (*RedisEmitter, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisEmitter{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_event_emitter"),
	}, nil
}

// Emit publishes the event. Delivery is best-effort: failures are logged
// and swallowed so the scheduler never stalls on a Redis outage.
func (e *RedisEmitter) Emit(ctx context.Context, event TaskEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to marshal task event",
			"kind", event.Kind,
			"task_id", event.TaskID,
			"error", err)
		return
	}

	if err := e.client.Publish(ctx, e.channel, payload).Err(); err != nil {
		e.logger.Warn("failed to publish task event",
			"kind", event.Kind,
			"task_id", event.TaskID,
			"error", err)
	}
}

// Close releases the underlying Redis connection.
func (e *RedisEmitter) Close() error {
	return e.client.Close()
}
