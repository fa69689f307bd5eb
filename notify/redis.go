package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/peerproof/referral-registry/interfaces"
)

const DefaultRedisStream = "peerproof:events"

// RedisClient wraps the go-redis client with health checking.
type RedisClient struct {
	*redis.Client
}

// NewRedisClient connects to url (redis://...) and pings it.
func NewRedisClient(ctx context.Context, url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisClient{Client: client}, nil
}

func (c *RedisClient) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// RedisStreamSink appends events to a Redis stream, trimmed to roughly maxLen entries.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultRedisStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Notify(ctx context.Context, n interfaces.Notification) error {
	payload, err := MarshalEvent(n)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_id": n.EventID,
			"kind":     string(n.Kind),
			"id":       n.RecordID.String(),
			"payload":  payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStreamSink) Name() string {
	return "redis"
}
