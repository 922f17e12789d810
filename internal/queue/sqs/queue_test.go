package sqsqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafeq/internal/queue"
)

type fakeMsg struct {
	url      string
	body     string
	delay    int32
	receipt  string
	received int
	deleted  bool
	visible  int32
}

type fakeSQS struct {
	mu   sync.Mutex
	msgs []*fakeMsg
	seq  int
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, &fakeMsg{url: *in.QueueUrl, body: *in.MessageBody, delay: in.DelaySeconds})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range f.msgs {
		if m.deleted || m.url != *in.QueueUrl || m.receipt != "" {
			continue
		}
		f.seq++
		m.received++
		m.receipt = "rh-" + strconv.Itoa(f.seq)
		body, receipt := m.body, m.receipt
		out.Messages = append(out.Messages, types.Message{
			Body:          &body,
			ReceiptHandle: &receipt,
			Attributes:    map[string]string{"ApproximateReceiveCount": strconv.Itoa(m.received)},
		})
	}
	return out, nil
}

func (f *fakeSQS) find(receipt string) *fakeMsg {
	for _, m := range f.msgs {
		if m.receipt == receipt {
			return m
		}
	}
	return nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.find(*in.ReceiptHandle); m != nil {
		m.deleted = true
	}
	return &sqs.DeleteMessageOutput{}, nil
}

// ChangeMessageVisibility makes the message receivable again immediately; the
// requested timeout is recorded.
func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.find(*in.ReceiptHandle); m != nil {
		m.visible = in.VisibilityTimeout
		m.receipt = ""
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) live(url string) []*fakeMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeMsg
	for _, m := range f.msgs {
		if !m.deleted && m.url == url {
			out = append(out, m)
		}
	}
	return out
}

func newTestQueue() (*Queue, *fakeSQS, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeSQS{}
	q := &Queue{SQS: f, QueueURL: "main", MaxMessages: 10, Now: func() time.Time { return now }}
	return q, f, &now
}

func TestAddClampsDelay(t *testing.T) {
	q, f, _ := newTestQueue()
	ctx := context.Background()

	_, err := q.Add(ctx, queue.JobTemplateSend, nil, queue.AddOptions{Delay: 2 * time.Minute})
	require.NoError(t, err)
	_, err = q.Add(ctx, queue.JobTemplateSend, nil, queue.AddOptions{Delay: 3 * time.Hour})
	require.NoError(t, err)

	msgs := f.live("main")
	require.Len(t, msgs, 2)
	assert.Equal(t, int32(120), msgs[0].delay)
	assert.Equal(t, int32(900), msgs[1].delay)
}

func TestReserveAndAck(t *testing.T) {
	q, f, _ := newTestQueue()
	ctx := context.Background()

	added, err := q.Add(ctx, queue.JobWebhookProcess, map[string]string{"eventId": "evt_1"}, queue.AddOptions{})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, added.ID, job.ID)
	assert.Equal(t, 0, job.AttemptsMade)

	require.NoError(t, q.Ack(ctx, job))
	assert.Empty(t, f.live("main"))
	assert.ErrorIs(t, q.Ack(ctx, job), queue.ErrJobNotFound)
}

func TestReserveRedefersEarlyJobs(t *testing.T) {
	q, f, now := newTestQueue()
	ctx := context.Background()

	_, err := q.Add(ctx, "later", nil, queue.AddOptions{Delay: time.Hour})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	msgs := f.live("main")
	require.Len(t, msgs, 1, "original deleted, one re-sent copy")
	assert.Equal(t, int32(900), msgs[0].delay)

	*now = now.Add(time.Hour)
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.Name)
}

func TestNackBacksOffUsingReceiveCount(t *testing.T) {
	q, f, _ := newTestQueue()
	ctx := context.Background()

	_, err := q.Add(ctx, "x", nil, queue.AddOptions{Attempts: 3, Backoff: queue.Backoff{Delay: 10 * time.Second}})
	require.NoError(t, err)

	job, _ := q.Reserve(ctx)
	require.NoError(t, q.Nack(ctx, job, errors.New("fail")))
	assert.Equal(t, int32(10), f.live("main")[0].visible)

	job, _ = q.Reserve(ctx)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptsMade)
	require.NoError(t, q.Nack(ctx, job, errors.New("fail")))
	assert.Equal(t, int32(20), f.live("main")[0].visible)
}

func TestNackDeadLettersFinalAttempt(t *testing.T) {
	q, f, _ := newTestQueue()
	q.DeadLetterURL = "dlq"
	ctx := context.Background()

	_, err := q.Add(ctx, "x", nil, queue.AddOptions{Attempts: 1})
	require.NoError(t, err)
	job, _ := q.Reserve(ctx)
	require.True(t, job.FinalAttempt())
	require.NoError(t, q.Nack(ctx, job, errors.New("fatal")))

	assert.Empty(t, f.live("main"))
	require.Len(t, f.live("dlq"), 1)
	assert.Contains(t, f.live("dlq")[0].body, `"lastError":"fatal"`)
}

func TestUndecodableMessagesAreDropped(t *testing.T) {
	q, f, _ := newTestQueue()
	ctx := context.Background()
	_, _ = f.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: str("main"), MessageBody: str("not json")})

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Empty(t, f.live("main"))
}

func TestLookupAndRemoveUnsupported(t *testing.T) {
	q, _, _ := newTestQueue()
	_, err := q.GetJob(context.Background(), "x")
	assert.ErrorIs(t, err, queue.ErrNotSupported)
	assert.ErrorIs(t, q.Remove(context.Background(), "x"), queue.ErrNotSupported)
}
