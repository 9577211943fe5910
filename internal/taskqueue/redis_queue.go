package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a durable Queue in Redis. It uses the keys
//
//	<prefix>queue:seq        => insertion counter
//	<prefix>queue:ready      => ZSET of members scored by not_before (µs)
//	<prefix>queue:leased     => ZSET of members scored by lease_until (µs)
//	<prefix>queue:task:<id>  => HASH with member, body, owner, attempts, not_before
//
// A member is the zero padded insertion number, "|" and the task id, so
// tasks due at the same time come out in insertion order. Every state
// change runs in a Lua script; the scripts touch task hashes not named in
// KEYS, so the queue needs a single Redis node.
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
	now          func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

var errDuplicateTask = errors.New("taskqueue: task id already queued")

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return 0 end
local seq = redis.call('INCR', KEYS[1])
local member = string.format('%020d', seq) .. '|' .. ARGV[4]
redis.call('HSET', KEYS[3], 'member', member, 'body', ARGV[1], 'owner', '', 'attempts', ARGV[3], 'not_before', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], member)
return 1
`)

var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(expired) do
	redis.call('ZREM', KEYS[2], m)
	local nb = redis.call('HGET', ARGV[4] .. string.sub(m, 22), 'not_before')
	if nb then redis.call('ZADD', KEYS[1], nb, m) end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then return false end
local m = due[1]
local key = ARGV[4] .. string.sub(m, 22)
redis.call('ZREM', KEYS[1], m)
redis.call('ZADD', KEYS[2], ARGV[2], m)
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'owner', ARGV[3])
return {redis.call('HGET', key, 'body'), attempts}
`)

var ackScript = redis.NewScript(`
if ARGV[1] == '' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[2], redis.call('HGET', KEYS[1], 'member'))
redis.call('DEL', KEYS[1])
return 1
`)

var nackScript = redis.NewScript(`
if ARGV[1] == '' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return 0 end
local m = redis.call('HGET', KEYS[1], 'member')
redis.call('ZREM', KEYS[2], m)
redis.call('HSET', KEYS[1], 'body', ARGV[2], 'owner', '', 'not_before', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], m)
return 1
`)

// NewRedisQueue returns a queue over client. The key prefix defaults to
// "runflow:".
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "runflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
	}
}

func (q *RedisQueue) keySeq() string           { return q.prefix + "queue:seq" }
func (q *RedisQueue) keyReady() string         { return q.prefix + "queue:ready" }
func (q *RedisQueue) keyLeased() string        { return q.prefix + "queue:leased" }
func (q *RedisQueue) keyTaskPrefix() string    { return q.prefix + "queue:task:" }
func (q *RedisQueue) keyTask(id string) string { return q.keyTaskPrefix() + id }

func redisScore(t time.Time) int64 { return t.UnixMicro() }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}
	notBefore := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore
	}

	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keySeq(), q.keyReady(), q.keyTask(t.ID)},
		body, redisScore(notBefore), t.Attempts, t.ID,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", errDuplicateTask, t.ID)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	for {
		task, err := q.claim(ctx, owner, lease)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keyReady(), q.keyLeased()},
		redisScore(now), redisScore(now.Add(lease)), owner, q.keyTaskPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("taskqueue: unexpected claim reply %v", res)
	}
	body, _ := res[0].(string)
	attempts, _ := res[1].(int64)

	task, err := DecodeTask([]byte(body))
	if err != nil {
		return nil, err
	}
	task.Attempts = int(attempts)
	return task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.keyTask(taskID), q.keyLeased()}, owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, reason string) error {
	body, err := q.client.HGet(ctx, q.keyTask(taskID), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	task, err := DecodeTask(body)
	if err != nil {
		return err
	}
	task.LastError = reason
	task.NotBefore = notBefore
	if body, err = EncodeTask(*task); err != nil {
		return err
	}

	n, err := nackScript.Run(ctx, q.client,
		[]string{q.keyTask(taskID), q.keyLeased(), q.keyReady()},
		owner, body, redisScore(notBefore),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Len() int {
	ctx := context.Background()
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.keyReady())
	leased := pipe.ZCard(ctx, q.keyLeased())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0
	}
	return int(ready.Val() + leased.Val())
}
