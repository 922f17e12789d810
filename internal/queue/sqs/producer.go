package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"rafeq/internal/queue"
)

// SQS caps DelaySeconds at 15 minutes and visibility timeouts at 12 hours.
const (
	maxDelay      = 15 * time.Minute
	maxVisibility = 12 * time.Hour
)

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue is a standard (non-FIFO) SQS queue carrying queue.Job envelopes.
// SQS cannot look up, delete or prioritize a message by id: GetJob and Remove
// return queue.ErrNotSupported and Priority is ignored. Jobs delayed past the
// 15 minute SQS limit are re-sent until due.
type Queue struct {
	SQS      API
	QueueURL string
	// DeadLetterURL receives exhausted jobs. When empty, exhausted jobs are left
	// for the queue's redrive policy.
	DeadLetterURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	Logger *slog.Logger
	Now    func() time.Time

	mu       sync.Mutex
	buffered []received
	receipts map[string]string
}

type received struct {
	job     *queue.Job
	receipt string
}

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

func (q *Queue) Add(ctx context.Context, name string, data any, opts queue.AddOptions) (*queue.Job, error) {
	job, err := queue.NewJob(name, data, opts, q.now(), uuid.NewString)
	if err != nil {
		return nil, err
	}
	if err := q.send(ctx, q.QueueURL, job, opts.Delay); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) send(ctx context.Context, url string, job *queue.Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	_, err = q.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &url,
		MessageBody:  str(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	return nil, queue.ErrNotSupported
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	return queue.ErrNotSupported
}

func str(s string) *string { return &s }
