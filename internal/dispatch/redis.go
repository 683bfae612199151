package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDeadLetterKey = "convgraph:deadletters"

// RedisDeadLetters keeps dead letters in a capped Redis list so they survive
// restarts and are shared between replicas.
type RedisDeadLetters struct {
	client *redis.Client
	key    string
	max    int64
}

// NewRedisDeadLetters connects to redisURL and keeps at most max entries.
func NewRedisDeadLetters(redisURL string, max int) (*RedisDeadLetters, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisDeadLettersWithClient(client, max), nil
}

// NewRedisDeadLettersWithClient wraps an existing client.
func NewRedisDeadLettersWithClient(client *redis.Client, max int) *RedisDeadLetters {
	if max <= 0 {
		max = 1000
	}
	return &RedisDeadLetters{client: client, key: defaultDeadLetterKey, max: int64(max)}
}

func (r *RedisDeadLetters) Add(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

func (r *RedisDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := r.client.LRange(ctx, r.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, s := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Close closes the Redis connection.
func (r *RedisDeadLetters) Close() error {
	return r.client.Close()
}
