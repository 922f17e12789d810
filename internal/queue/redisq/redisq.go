// Package redisq is the Redis-backed queue. Each queue keeps job bodies as JSON
// strings and tracks state in four sorted sets:
//
//	delayed  score = due time (ms)
//	wait     score = priority*1e13 + enqueue time (ms), lowest first
//	active   score = lease deadline (ms)
//	dead     score = time of death (ms)
//
// Keys share a {hash tag} so a queue lives on one cluster slot.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"rafeq/internal/observability"
	"rafeq/internal/queue"
)

const (
	DefaultLease        = 5 * time.Minute
	DefaultPollInterval = time.Second
	DefaultDeadTTL      = 7 * 24 * time.Hour

	priorityWeight = 1e13
)

type Queue struct {
	client redis.UniversalClient
	name   string
	prefix string

	// Lease is how long a reserved job stays active before the sweeper
	// returns it to the wait set.
	Lease        time.Duration
	PollInterval time.Duration
	// DeadTTL is how long dead-lettered job bodies are retained.
	DeadTTL time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(client redis.UniversalClient, name string) *Queue {
	return &Queue{
		client:       client,
		name:         name,
		prefix:       "rafeq:{" + name + "}:",
		Lease:        DefaultLease,
		PollInterval: DefaultPollInterval,
		DeadTTL:      DefaultDeadTTL,
		Now:          time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *Queue) delayedKey() string      { return q.prefix + "delayed" }
func (q *Queue) waitKey() string         { return q.prefix + "wait" }
func (q *Queue) activeKey() string       { return q.prefix + "active" }
func (q *Queue) deadKey() string         { return q.prefix + "dead" }
func (q *Queue) statsKey() string        { return q.prefix + "stats" }

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

func waitScore(priority int, at time.Time) float64 {
	return float64(priority)*priorityWeight + float64(at.UnixMilli())
}

// Add enqueues a job. When opts.JobID names an existing job, that job is returned
// unchanged.
func (q *Queue) Add(ctx context.Context, name string, data any, opts queue.AddOptions) (*queue.Job, error) {
	now := q.now()
	job, err := queue.NewJob(name, data, opts, now, uuid.NewString)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	created, err := q.client.SetNX(ctx, q.jobKey(job.ID), body, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq add %s: %w", job.ID, err)
	}
	if !created {
		return q.GetJob(ctx, job.ID)
	}

	pipe := q.client.TxPipeline()
	if job.State == queue.StateDelayed {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ProcessAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, q.waitKey(), redis.Z{Score: waitScore(job.Priority, now), Member: job.ID})
	}
	pipe.HIncrBy(ctx, q.statsKey(), "added", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisq add %s: %w", job.ID, err)
	}
	return job, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisq get %s: %w", id, err)
	}
	var job queue.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("redisq decode %s: %w", id, err)
	}

	pipe := q.client.Pipeline()
	scores := map[queue.State]*redis.FloatCmd{
		queue.StateActive:  pipe.ZScore(ctx, q.activeKey(), id),
		queue.StateDead:    pipe.ZScore(ctx, q.deadKey(), id),
		queue.StateDelayed: pipe.ZScore(ctx, q.delayedKey(), id),
		queue.StateWaiting: pipe.ZScore(ctx, q.waitKey(), id),
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisq state %s: %w", id, err)
	}
	for _, st := range []queue.State{queue.StateActive, queue.StateDead, queue.StateDelayed, queue.StateWaiting} {
		if scores[st].Err() == nil {
			job.State = st
			break
		}
	}
	return &job, nil
}

var removeScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  return -1
end
if redis.call('EXISTS', KEYS[5]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[5])
return 1
`)

func (q *Queue) Remove(ctx context.Context, id string) error {
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey(), q.activeKey(), q.deadKey(), q.jobKey(id)},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("redisq remove %s: %w", id, err)
	}
	switch n {
	case -1:
		return queue.ErrJobActive
	case 0:
		return queue.ErrJobNotFound
	}
	return nil
}

// reserveScript promotes due delayed jobs into the wait set, then leases the
// best waiting job.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local raw = redis.call('GET', ARGV[3] .. id)
  if raw then
    local prio = tonumber(cjson.decode(raw).priority) or 4
    redis.call('ZADD', KEYS[2], string.format('%.0f', prio * 1e13 + now), id)
  end
end
local top = redis.call('ZRANGE', KEYS[2], 0, 0)
if #top == 0 then
  return false
end
local id = top[1]
redis.call('ZREM', KEYS[2], id)
redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), id)
return id
`)

const promoteBatch = 100

func (q *Queue) Reserve(ctx context.Context) (*queue.Job, error) {
	job, err := q.reserveOnce(ctx)
	if err != nil || job != nil {
		return job, err
	}
	t := time.NewTimer(q.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return q.reserveOnce(ctx)
}

func (q *Queue) reserveOnce(ctx context.Context) (*queue.Job, error) {
	id, err := reserveScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey(), q.activeKey()},
		q.now().UnixMilli(), q.Lease.Milliseconds(), q.prefix+"job:", promoteBatch,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisq reserve: %w", err)
	}
	job, err := q.GetJob(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		// Body expired or was removed between scripts.
		_ = q.client.ZRem(ctx, q.activeKey(), id).Err()
		return nil, nil
	}
	return job, err
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	pipe.HIncrBy(ctx, q.statsKey(), "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisq ack %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, job *queue.Job, cause error) error {
	now := q.now()
	if cause == nil {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		pipe.ZAdd(ctx, q.waitKey(), redis.Z{Score: waitScore(job.Priority, now), Member: job.ID})
		_, err := pipe.Exec(ctx)
		return err
	}

	job.AttemptsMade++
	job.LastError = cause.Error()
	dead := job.AttemptsMade >= job.Attempts
	if dead {
		job.State = queue.StateDead
	} else {
		job.State = queue.StateDelayed
		job.ProcessAt = now.Add(job.Backoff.Next(job.AttemptsMade))
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	if dead {
		pipe.Set(ctx, q.jobKey(job.ID), body, q.DeadTTL)
		pipe.ZAdd(ctx, q.deadKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		pipe.HIncrBy(ctx, q.statsKey(), "dead", 1)
	} else {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ProcessAt.UnixMilli()), Member: job.ID})
		pipe.HIncrBy(ctx, q.statsKey(), "retried", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisq nack %s: %w", job.ID, err)
	}
	if dead {
		q.logger().Warn("job dead-lettered", "queue", q.name, "job_id", job.ID, "job", job.Name, "err", job.LastError)
	}
	return nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[queue.State]int64, error) {
	pipe := q.client.Pipeline()
	cmds := map[queue.State]*redis.IntCmd{
		queue.StateDelayed: pipe.ZCard(ctx, q.delayedKey()),
		queue.StateWaiting: pipe.ZCard(ctx, q.waitKey()),
		queue.StateActive:  pipe.ZCard(ctx, q.activeKey()),
		queue.StateDead:    pipe.ZCard(ctx, q.deadKey()),
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[queue.State]int64, len(cmds))
	for st, c := range cmds {
		out[st] = c.Val()
	}
	return out, nil
}

// DeadJobs lists dead-lettered job ids, oldest first.
func (q *Queue) DeadJobs(ctx context.Context, limit int64) ([]string, error) {
	return q.client.ZRange(ctx, q.deadKey(), 0, limit-1).Result()
}

// Sweep returns jobs whose lease expired (their worker crashed) to the wait set.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.activeKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if err := q.client.ZAdd(ctx, q.waitKey(), redis.Z{Score: waitScore(job.Priority, now), Member: id}).Err(); err != nil {
			q.logger().Error("sweeper requeue failed", "queue", q.name, "job_id", id, "err", err)
			continue
		}
		q.logger().Warn("recovered stuck job", "queue", q.name, "job_id", id, "job", job.Name)
		recovered++
	}
	return recovered, nil
}

// RunSweeper calls Sweep every interval and reports queue depth until ctx ends.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration, metrics observability.Metrics) {
	metrics = observability.OrNop(metrics)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := q.Sweep(ctx); err != nil && ctx.Err() == nil {
				q.logger().Error("sweeper failed", "queue", q.name, "err", err)
			}
			counts, err := q.Counts(ctx)
			if err != nil {
				continue
			}
			for st, n := range counts {
				metrics.Set(observability.QueueDepth, float64(n), q.name, string(st))
			}
		}
	}
}
