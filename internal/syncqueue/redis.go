package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const maxWatchAttempts = 5

// Redis keeps the queue in three keys: a counter for IDs, a hash of JSON
// items and a sorted set ordered by ID.
type Redis struct {
	client *redis.Client
	prefix string
	own    bool
}

// OpenRedis connects to url and pings the server.
func OpenRedis(ctx context.Context, url, keyPrefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q := NewRedis(client, keyPrefix)
	q.own = true
	return q, nil
}

// NewRedis uses client without taking ownership of it.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	keyPrefix = strings.TrimSuffix(keyPrefix, ":")
	if keyPrefix == "" {
		keyPrefix = "offline0"
	}
	return &Redis{client: client, prefix: keyPrefix}
}

func (q *Redis) key(parts ...string) string {
	return q.prefix + ":" + strings.Join(parts, ":")
}

func (q *Redis) Enqueue(ctx context.Context, it Item) (Item, error) {
	id, err := q.client.Incr(ctx, q.key("queue", "seq")).Result()
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	it.ID = uint64(id)
	b, err := json.Marshal(it)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	field := strconv.FormatUint(it.ID, 10)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("queue", "items"), field, b)
		pipe.ZAdd(ctx, q.key("queue", "pending"), redis.Z{Score: float64(it.ID), Member: field})
		return nil
	})
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return it, nil
}

func (q *Redis) ListPending(ctx context.Context) ([]Item, error) {
	ids, err := q.client.ZRange(ctx, q.key("queue", "pending"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.key("queue", "items"), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (q *Redis) Remove(ctx context.Context, id uint64) error {
	field := strconv.FormatUint(id, 10)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("queue", "pending"), field)
		pipe.HDel(ctx, q.key("queue", "items"), field)
		return nil
	})
	return err
}

// MarkFailed rewrites the item under WATCH so a concurrent Remove from
// another process either wins outright or aborts the update.
func (q *Redis) MarkFailed(ctx context.Context, id uint64) (Item, error) {
	field := strconv.FormatUint(id, 10)
	items, pending := q.key("queue", "items"), q.key("queue", "pending")

	var it Item
	update := func(tx *redis.Tx) error {
		if err := tx.ZScore(ctx, pending, field).Err(); errors.Is(err, redis.Nil) {
			return fmt.Errorf("mark failed %d: %w", id, ErrNotFound)
		} else if err != nil {
			return err
		}
		s, err := tx.HGet(ctx, items, field).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("mark failed %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		it = Item{}
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			return err
		}
		it.RetryCount++
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, items, field, b)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := q.client.Watch(ctx, update, pending, items)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Item{}, err
		}
		return it, nil
	}
	return Item{}, fmt.Errorf("mark failed %d: %w", id, redis.TxFailedErr)
}

func (q *Redis) Close() error {
	if q.own {
		return q.client.Close()
	}
	return nil
}
