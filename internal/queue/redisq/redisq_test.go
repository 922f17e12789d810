package redisq

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafeq/internal/queue"
)

const testRedisDB = 14

// newTestClient connects to TEST_REDIS_ADDR (default localhost:6379) and skips the
// test when nothing is listening.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: testRedisDB})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	now := time.Now().Truncate(time.Millisecond)
	q := New(newTestClient(t), "test")
	q.PollInterval = 10 * time.Millisecond
	q.Now = func() time.Time { return now }
	return q, &now
}

func TestAddReserveAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Add(ctx, queue.JobWebhookProcess, map[string]string{"eventId": "evt_1"}, queue.AddOptions{Priority: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, added.ID, job.ID)
	assert.Equal(t, queue.StateActive, job.State)

	var data map[string]string
	require.NoError(t, job.Decode(&data))
	assert.Equal(t, "evt_1", data["eventId"])

	require.NoError(t, q.Ack(ctx, job))
	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestPriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, p := range []int{3, 1, 4, 2} {
		_, err := q.Add(ctx, "p", p, queue.AddOptions{Priority: p})
		require.NoError(t, err)
	}
	var got []int
	for i := 0; i < 4; i++ {
		j, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		got = append(got, j.Priority)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestDelayedPromotion(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Add(ctx, "later", nil, queue.AddOptions{JobID: "send:1", Delay: 30 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, added.State)

	j, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)

	*now = now.Add(31 * time.Minute)
	j, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "send:1", j.ID)
}

func TestDuplicateJobID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "x", 1, queue.AddOptions{JobID: "same"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "x", 2, queue.AddOptions{JobID: "same"})
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[queue.StateWaiting])
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "x", nil, queue.AddOptions{JobID: "r1", Delay: time.Hour})
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, "r1"))
	assert.ErrorIs(t, q.Remove(ctx, "r1"), queue.ErrJobNotFound)

	_, err = q.Add(ctx, "x", nil, queue.AddOptions{JobID: "r2"})
	require.NoError(t, err)
	j, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.ErrorIs(t, q.Remove(ctx, "r2"), queue.ErrJobActive)
}

func TestNackRetryThenDead(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "x", nil, queue.AddOptions{JobID: "n1", Attempts: 2, Backoff: queue.Backoff{Delay: time.Second}})
	require.NoError(t, err)

	j, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, j, errors.New("transient")))

	got, err := q.GetJob(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, got.State)
	assert.Equal(t, 1, got.AttemptsMade)

	*now = now.Add(2 * time.Second)
	j, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, q.Nack(ctx, j, errors.New("transient")))

	got, err = q.GetJob(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDead, got.State)
	ids, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)
}

func TestSweepRecoversExpiredLease(t *testing.T) {
	q, now := newTestQueue(t)
	q.Lease = time.Minute
	ctx := context.Background()

	_, err := q.Add(ctx, "x", nil, queue.AddOptions{JobID: "s1"})
	require.NoError(t, err)
	j, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	n, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*now = now.Add(2 * time.Minute)
	n, err = q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.GetJob(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, got.State)
}
