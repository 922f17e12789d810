// Package memqueue is an in-process queue.Queue and queue.Source used by tests and
// single-binary development runs. Jobs do not survive a restart.
package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rafeq/internal/queue"
)

type entry struct {
	job *queue.Job
	seq uint64
}

type Queue struct {
	// PollInterval bounds how long Reserve waits for a due job.
	PollInterval time.Duration
	Now          func() time.Time

	mu     sync.Mutex
	jobs   map[string]*entry
	seq    uint64
	notify chan struct{}
}

func New() *Queue {
	return &Queue{
		PollInterval: 200 * time.Millisecond,
		Now:          time.Now,
		jobs:         make(map[string]*entry),
		notify:       make(chan struct{}, 1),
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Add enqueues a job. Adding an id that already exists returns the existing job.
func (q *Queue) Add(ctx context.Context, name string, data any, opts queue.AddOptions) (*queue.Job, error) {
	job, err := queue.NewJob(name, data, opts, q.now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if e, ok := q.jobs[job.ID]; ok {
		out := clone(e.job)
		q.mu.Unlock()
		return out, nil
	}
	q.seq++
	q.jobs[job.ID] = &entry{job: job, seq: q.seq}
	out := clone(job)
	q.mu.Unlock()

	q.wake()
	return out, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return clone(e.job), nil
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	if e.job.State == queue.StateActive {
		return queue.ErrJobActive
	}
	delete(q.jobs, id)
	return nil
}

func (q *Queue) Reserve(ctx context.Context) (*queue.Job, error) {
	if job := q.take(); job != nil {
		return job, nil
	}
	t := time.NewTimer(q.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.wakeCh():
	case <-t.C:
	}
	return q.take(), nil
}

func (q *Queue) take() *queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var best *entry
	for _, e := range q.jobs {
		j := e.job
		if j.State != queue.StateWaiting && j.State != queue.StateDelayed {
			continue
		}
		if j.ProcessAt.After(now) {
			continue
		}
		if best == nil || less(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	best.job.State = queue.StateActive
	return clone(best.job)
}

func less(a, b *entry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.ProcessAt.Equal(b.job.ProcessAt) {
		return a.job.ProcessAt.Before(b.job.ProcessAt)
	}
	return a.seq < b.seq
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; !ok {
		return queue.ErrJobNotFound
	}
	delete(q.jobs, job.ID)
	return nil
}

func (q *Queue) Nack(ctx context.Context, job *queue.Job, cause error) error {
	q.mu.Lock()
	e, ok := q.jobs[job.ID]
	if !ok {
		q.mu.Unlock()
		return queue.ErrJobNotFound
	}
	j := e.job
	if cause == nil {
		j.State = queue.StateWaiting
	} else {
		j.AttemptsMade++
		j.LastError = cause.Error()
		if j.AttemptsMade >= j.Attempts {
			j.State = queue.StateDead
		} else {
			j.State = queue.StateDelayed
			j.ProcessAt = q.now().Add(j.Backoff.Next(j.AttemptsMade))
		}
	}
	q.mu.Unlock()
	q.wake()
	return nil
}

// Jobs returns the jobs in the given state ordered by insertion.
func (q *Queue) Jobs(state queue.State) []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var es []*entry
	for _, e := range q.jobs {
		if e.job.State == state {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, k int) bool { return es[i].seq < es[k].seq })
	out := make([]*queue.Job, len(es))
	for i, e := range es {
		out[i] = clone(e.job)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) wakeCh() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.notify == nil {
		q.notify = make(chan struct{}, 1)
	}
	return q.notify
}

func (q *Queue) wake() {
	select {
	case q.wakeCh() <- struct{}{}:
	default:
	}
}

func clone(j *queue.Job) *queue.Job {
	c := *j
	c.Data = append([]byte(nil), j.Data...)
	return &c
}
