package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimDue atomically moves due task ids out of the schedule and returns
// their bodies, so several workers can share one queue without double runs.
var claimDue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local body = redis.call('HGET', KEYS[2], id)
  redis.call('HDEL', KEYS[2], id)
  if body then
    table.insert(out, body)
  end
end
return out
`)

// RedisQueue keeps tasks in a sorted set scored by due time (unix millis)
// with bodies in a hash, so pending work survives restarts.
type RedisQueue struct {
	client  redis.UniversalClient
	dueKey  string
	bodyKey string
}

// NewRedisQueue uses keys under prefix, e.g. "triage:tasks".
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "triage:tasks"
	}
	return &RedisQueue{client: client, dueKey: prefix + ":due", bodyKey: prefix + ":body"}
}

// Push implements Queue.
func (q *RedisQueue) Push(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	added, err := q.client.HSetNX(ctx, q.bodyKey, task.ID, body).Result()
	if err != nil {
		return fmt.Errorf("redis hsetnx: %w", err)
	}
	if !added {
		return ErrDuplicateTask
	}
	if err := q.client.ZAdd(ctx, q.dueKey, redis.Z{Score: score(task.RunAt), Member: task.ID}).Err(); err != nil {
		_ = q.client.HDel(ctx, q.bodyKey, task.ID).Err()
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// PopDue implements Queue.
func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, max int) ([]Task, error) {
	if max <= 0 {
		max = 100
	}
	bodies, err := claimDue.Run(ctx, q.client, []string{q.dueKey, q.bodyKey},
		strconv.FormatInt(now.UnixMilli(), 10), max).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	return decodeTasks(bodies)
}

// Remove implements Queue.
func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, q.dueKey, id)
		pipe.HDel(ctx, q.bodyKey, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove task: %w", err)
	}
	return removed.Val() > 0, nil
}

// List implements Queue.
func (q *RedisQueue) List(ctx context.Context) ([]Task, error) {
	ids, err := q.client.ZRange(ctx, q.dueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.bodyKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	bodies := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			bodies = append(bodies, s)
		}
	}
	return decodeTasks(bodies)
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.dueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return int(n), nil
}

// Durable implements Queue.
func (q *RedisQueue) Durable() bool { return true }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func decodeTasks(bodies []string) ([]Task, error) {
	tasks := make([]Task, 0, len(bodies))
	for _, b := range bodies {
		var t Task
		if err := json.Unmarshal([]byte(b), &t); err != nil {
			return tasks, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
