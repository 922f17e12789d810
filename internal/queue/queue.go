// Package queue defines the durable job queue contract shared by the Redis, SQS and
// in-memory backends, and the worker pool that drains them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job names.
const (
	JobWebhookProcess = "webhook.process"
	JobTemplateSend   = "template.send"
)

const (
	DefaultAttempts = 5
	DefaultPriority = 4
)

var (
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrJobActive is returned when removing a job a worker currently holds.
	ErrJobActive = errors.New("queue: job is active")
	// ErrNotSupported is returned by backends that cannot perform an operation
	// (SQS cannot look up or delete a message by id).
	ErrNotSupported = errors.New("queue: operation not supported by backend")
)

type State string

const (
	StateDelayed State = "delayed"
	StateWaiting State = "waiting"
	StateActive  State = "active"
	StateDead    State = "dead"
)

type Job struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority"`

	// Attempts is the attempt ceiling; AttemptsMade counts finished failed attempts.
	Attempts     int     `json:"attempts"`
	AttemptsMade int     `json:"attemptsMade"`
	Backoff      Backoff `json:"backoff"`

	State     State     `json:"state"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ProcessAt time.Time `json:"processAt"`
}

// FinalAttempt reports whether a failure of the current attempt exhausts the job.
func (j *Job) FinalAttempt() bool {
	return j.AttemptsMade+1 >= j.maxAttempts()
}

func (j *Job) maxAttempts() int {
	if j.Attempts <= 0 {
		return 1
	}
	return j.Attempts
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

type AddOptions struct {
	Delay    time.Duration
	JobID    string
	Attempts int
	Backoff  Backoff
	Priority int
}

func (o AddOptions) withDefaults() AddOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Priority <= 0 {
		o.Priority = DefaultPriority
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// NewJob builds a job from name, data and options, filling defaults.
// idGen is used when opts.JobID is empty.
func NewJob(name string, data any, opts AddOptions, now time.Time, idGen func() string) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	id := opts.JobID
	if id == "" {
		id = idGen()
	}
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}
	return &Job{
		ID:        id,
		Name:      name,
		Data:      raw,
		Priority:  opts.Priority,
		Attempts:  opts.Attempts,
		Backoff:   opts.Backoff,
		State:     state,
		CreatedAt: now,
		ProcessAt: now.Add(opts.Delay),
	}, nil
}

// Queue is the producer side.
type Queue interface {
	Add(ctx context.Context, name string, data any, opts AddOptions) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// Remove deletes a job that has not started. Removing an unknown job returns
	// ErrJobNotFound; removing a running job returns ErrJobActive.
	Remove(ctx context.Context, id string) error
}

// Source is the consumer side drained by RunPool.
type Source interface {
	// Reserve leases the next due job, highest priority first. It returns nil, nil
	// when nothing is due within the backend's poll window.
	Reserve(ctx context.Context) (*Job, error)
	// Ack removes a completed job.
	Ack(ctx context.Context, job *Job) error
	// Nack records a failed attempt: the job is retried after its backoff, or moved
	// to the dead-letter set when attempts are exhausted. A nil cause releases the
	// lease without counting an attempt.
	Nack(ctx context.Context, job *Job, cause error) error
}
