package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rafeq/internal/observability"
)

type Handler func(ctx context.Context, job *Job) error

type PoolOptions struct {
	// Name labels logs and metrics.
	Name    string
	Workers int
	// Limiter caps how many jobs start per window. Nil means unlimited.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Metrics observability.Metrics
	// ErrorBackoff is the pause after a failed Reserve.
	ErrorBackoff time.Duration
}

// RunPool reserves jobs from src and runs handler on up to Workers goroutines.
// A job is acked only when handler returns nil; otherwise it is nacked so the
// backend applies backoff or dead-letters it. RunPool returns when ctx is
// cancelled, after in-flight jobs finish.
func RunPool(ctx context.Context, src Source, handler Handler, opts PoolOptions) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("queue", opts.Name)
	metrics := observability.OrNop(opts.Metrics)

	jobs := make(chan *Job)

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				// Finish settling the job even if shutdown started mid-handler.
				settleCtx := context.WithoutCancel(ctx)
				start := time.Now()
				err := runHandler(ctx, handler, job)
				if err == nil {
					if aerr := src.Ack(settleCtx, job); aerr != nil {
						log.Error("ack failed", "err", aerr, "job_id", job.ID, "job", job.Name)
					}
					metrics.Inc(observability.JobsFinished, opts.Name, "completed")
					continue
				}

				result := "retry"
				if job.FinalAttempt() {
					result = "dead"
				}
				log.Warn("job failed",
					"err", err,
					"job_id", job.ID,
					"job", job.Name,
					"attempt", job.AttemptsMade+1,
					"max_attempts", job.Attempts,
					"result", result,
					"duration", time.Since(start),
				)
				if nerr := src.Nack(settleCtx, job, err); nerr != nil {
					log.Error("nack failed", "err", nerr, "job_id", job.ID, "job", job.Name)
				}
				metrics.Inc(observability.JobsFinished, opts.Name, result)
			}
		}()
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
		job, err := src.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("reserve failed", "err", err)
			sleep(ctx, opts.ErrorBackoff)
			continue
		}
		if job == nil {
			continue
		}
		select {
		case jobs <- job:
		case <-ctx.Done():
			// Hand the lease back so another consumer can pick it up.
			if nerr := src.Nack(context.WithoutCancel(ctx), job, nil); nerr != nil {
				log.Error("release on shutdown failed", "err", nerr, "job_id", job.ID)
			}
			return ctx.Err()
		}
	}
}

func runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
