package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"rafeq/internal/queue"
	"rafeq/internal/queue/memqueue"
)

func TestBackoffNext(t *testing.T) {
	b := queue.Backoff{Delay: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Next(1))
	assert.Equal(t, 2*time.Second, b.Next(2))
	assert.Equal(t, 4*time.Second, b.Next(3))
	assert.Equal(t, 8*time.Second, b.Next(4))
	assert.Equal(t, 10*time.Second, b.Next(5))
	assert.Equal(t, 10*time.Second, b.Next(60))
	assert.Equal(t, time.Second, b.Next(0))
	assert.Equal(t, time.Duration(0), queue.Backoff{}.Next(3))
}

func TestNewJobDefaults(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j, err := queue.NewJob("n", map[string]int{"a": 1}, queue.AddOptions{}, now, func() string { return "gen" })
	require.NoError(t, err)
	assert.Equal(t, "gen", j.ID)
	assert.Equal(t, queue.DefaultAttempts, j.Attempts)
	assert.Equal(t, queue.DefaultPriority, j.Priority)
	assert.Equal(t, queue.DefaultBackoff, j.Backoff)
	assert.Equal(t, queue.StateWaiting, j.State)
	assert.Equal(t, now, j.ProcessAt)
	assert.JSONEq(t, `{"a":1}`, string(j.Data))

	j, err = queue.NewJob("n", nil, queue.AddOptions{JobID: "fixed", Delay: time.Minute}, now, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", j.ID)
	assert.Equal(t, queue.StateDelayed, j.State)
	assert.Equal(t, now.Add(time.Minute), j.ProcessAt)
}

func TestRunPoolAcksSuccessAndRetriesFailure(t *testing.T) {
	q := memqueue.New()
	q.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Add(ctx, "ok", nil, queue.AddOptions{JobID: "ok"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "bad", nil, queue.AddOptions{JobID: "bad", Attempts: 2, Backoff: queue.Backoff{Delay: time.Millisecond}})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(ctx context.Context, job *queue.Job) error {
		mu.Lock()
		seen[job.Name]++
		mu.Unlock()
		if job.Name == "bad" {
			return errors.New("nope")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- queue.RunPool(ctx, q, handler, queue.PoolOptions{Name: "test", Workers: 2}) }()

	require.Eventually(t, func() bool {
		return len(q.Jobs(queue.StateDead)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["ok"])
	assert.Equal(t, 2, seen["bad"])
	_, err = q.GetJob(context.Background(), "ok")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestRunPoolRecoversPanics(t *testing.T) {
	q := memqueue.New()
	q.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = q.Add(ctx, "boom", nil, queue.AddOptions{JobID: "p", Attempts: 1})

	done := make(chan error, 1)
	go func() {
		done <- queue.RunPool(ctx, q, func(ctx context.Context, job *queue.Job) error {
			panic("kaboom")
		}, queue.PoolOptions{Workers: 1})
	}()

	require.Eventually(t, func() bool {
		return len(q.Jobs(queue.StateDead)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Contains(t, q.Jobs(queue.StateDead)[0].LastError, "kaboom")
}

func TestRunPoolRespectsConcurrencyAndRate(t *testing.T) {
	q := memqueue.New()
	q.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 6; i++ {
		_, _ = q.Add(ctx, "j", i, queue.AddOptions{})
	}

	var running, peak, total int32
	handler := func(ctx context.Context, job *queue.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&total, 1)
		return nil
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- queue.RunPool(ctx, q, handler, queue.PoolOptions{
			Workers: 2,
			Limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
		})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&total) == 6 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
