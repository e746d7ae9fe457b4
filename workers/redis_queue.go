package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisQueueKey       = "ingest:tasks"
	redisPollInterval   = time.Second
	redisConnectTimeout = 2 * time.Second
)

// RedisQueue keeps delayed tasks in a sorted set scored by ready time, so
// several daemons can share one queue. A task is claimed by whoever removes
// it from the set first.
type RedisQueue struct {
	client *redis.Client
	key    string
	poll   time.Duration
}

func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisQueue{client: client, key: redisQueueKey, poll: redisPollInterval}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	task.EnqueuedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	readyAt := now.Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(readyAt), Member: string(data)}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		task, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			log.Printf("RedisQueue: claim error: %v", err)
		}
		if ok {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (Task, bool, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 1,
	}).Result()
	if err != nil || len(members) == 0 {
		return Task{}, false, err
	}

	removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
	if err != nil || removed == 0 {
		// Another consumer got it first.
		return Task{}, false, err
	}

	var task Task
	if err := json.Unmarshal([]byte(members[0]), &task); err != nil {
		return Task{}, false, fmt.Errorf("decode task: %w", err)
	}
	return task, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	return int(n), err
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
