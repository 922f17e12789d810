package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"rafeq/internal/queue"
)

// Reserve returns the next received job. Messages are fetched in batches with long
// polling; nil, nil means the poll came back empty.
func (q *Queue) Reserve(ctx context.Context) (*queue.Job, error) {
	if r := q.pop(); r != nil {
		return r.job, nil
	}

	out, err := q.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    &q.QueueURL,
		MaxNumberOfMessages:         q.MaxMessages,
		WaitTimeSeconds:             q.WaitTimeSeconds,
		VisibilityTimeout:           q.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	now := q.now()
	for _, m := range out.Messages {
		if m.ReceiptHandle == nil {
			continue
		}
		// Poison messages are deleted so they don't loop forever.
		if m.Body == nil {
			q.delete(ctx, *m.ReceiptHandle)
			continue
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(*m.Body), &job); err != nil || job.ID == "" {
			q.logger().Error("sqs dropping undecodable message", "err", err, "message_id", deref(m.MessageId))
			q.delete(ctx, *m.ReceiptHandle)
			continue
		}

		if job.ProcessAt.After(now) {
			if err := q.redefer(ctx, &job, *m.ReceiptHandle, job.ProcessAt.Sub(now)); err != nil {
				q.logger().Error("sqs re-defer failed", "err", err, "job_id", job.ID)
			}
			continue
		}

		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
			job.AttemptsMade = n - 1
		}
		job.State = queue.StateActive
		q.push(received{job: &job, receipt: *m.ReceiptHandle})
	}

	if r := q.pop(); r != nil {
		return r.job, nil
	}
	return nil, nil
}

// redefer re-sends a job that is not yet due and drops the received copy, which
// resets its receive count.
func (q *Queue) redefer(ctx context.Context, job *queue.Job, receipt string, remaining time.Duration) error {
	if err := q.send(ctx, q.QueueURL, job, remaining); err != nil {
		return err
	}
	q.delete(ctx, receipt)
	return nil
}

// Ack deletes the message. Messages are deleted only after the handler succeeds.
func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	receipt, ok := q.takeReceipt(job.ID)
	if !ok {
		return queue.ErrJobNotFound
	}
	_, err := q.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: &q.QueueURL, ReceiptHandle: &receipt})
	return err
}

// Nack hides the message for the job's backoff. An exhausted job is copied to
// DeadLetterURL when set; otherwise it stays on the queue for redrive.
func (q *Queue) Nack(ctx context.Context, job *queue.Job, cause error) error {
	receipt, ok := q.takeReceipt(job.ID)
	if !ok {
		return queue.ErrJobNotFound
	}
	if cause == nil {
		return q.visibility(ctx, receipt, 0)
	}

	job.LastError = cause.Error()
	if job.FinalAttempt() && q.DeadLetterURL != "" {
		job.AttemptsMade++
		job.State = queue.StateDead
		if err := q.send(ctx, q.DeadLetterURL, job, 0); err != nil {
			return err
		}
		q.delete(ctx, receipt)
		return nil
	}
	return q.visibility(ctx, receipt, job.Backoff.Next(job.AttemptsMade+1))
}

func (q *Queue) visibility(ctx context.Context, receipt string, d time.Duration) error {
	if d > maxVisibility {
		d = maxVisibility
	}
	_, err := q.SQS.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.QueueURL,
		ReceiptHandle:     &receipt,
		VisibilityTimeout: int32(d / time.Second),
	})
	return err
}

func (q *Queue) delete(ctx context.Context, receipt string) {
	_, _ = q.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.QueueURL,
		ReceiptHandle: &receipt,
	})
}

func (q *Queue) push(r received) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffered = append(q.buffered, r)
}

func (q *Queue) pop() *received {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffered) == 0 {
		return nil
	}
	r := q.buffered[0]
	q.buffered = q.buffered[1:]
	if q.receipts == nil {
		q.receipts = make(map[string]string)
	}
	q.receipts[r.job.ID] = r.receipt
	return &r
}

func (q *Queue) takeReceipt(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.receipts[id]
	delete(q.receipts, id)
	return r, ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
