package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix = "agentflow:run:"
	streamMaxLen = 1000
	streamTTL    = time.Hour
)

// RedisPublisher mirrors workflow updates into one Redis stream per run so
// that other processes (dashboards) can follow a run.
type RedisPublisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(redisURL string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb, logger: logger}, nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(rdb *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, logger: logger}
}

// StreamKey returns the Redis stream a run is published to.
func StreamKey(runID string) string { return streamPrefix + runID }

// Observe implements Observer.
func (p *RedisPublisher) Observe(ctx context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	key := StreamKey(u.Run())
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(u.Kind()),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	if IsTerminal(u) {
		if err := p.rdb.Expire(ctx, key, streamTTL).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}

	p.logger.Debug("published update",
		zap.String("run", u.Run()),
		zap.String("type", string(u.Kind())))
	return nil
}

// Subscribe replays a run's stream from the beginning and follows it until
// the terminal update. Cancel the context to stop early.
func (p *RedisPublisher) Subscribe(ctx context.Context, runID string) <-chan Update {
	ch := make(chan Update, 16)
	key := StreamKey(runID)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					p.logger.Debug("xread failed", zap.String("stream", key), zap.Error(err))
					select {
					case <-time.After(200 * time.Millisecond):
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					kind, _ := msg.Values["type"].(string)
					data, _ := msg.Values["data"].(string)
					u, err := Decode(UpdateKind(kind), []byte(data))
					if err != nil {
						p.logger.Debug("skipping malformed update", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- u:
					case <-ctx.Done():
						return
					}
					if IsTerminal(u) {
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
