package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafeq/internal/domain"
	"rafeq/internal/logging"
	"rafeq/internal/queue"
	"rafeq/internal/scheduler"
	"rafeq/internal/store/memstore"
)

type sentMessage struct {
	channel, to, body string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeTransport) SendMessage(ctx context.Context, channelID, recipient, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channelID, recipient, content})
	if f.err != nil {
		return "", f.err
	}
	return "msg-1", nil
}

var errTransient = errors.New("gateway 503")

func setup(t *testing.T) (*Worker, *memstore.Store, *fakeTransport) {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.UpsertTemplate(ctx, domain.Template{
		ID: "tpl_1", TenantID: "t1", ChannelID: "wa-1", Content: "Hi {customer_name}, order {reference_id} is on its way", Active: true,
	}))
	ok, err := st.InsertSend(ctx, domain.ScheduledTemplateSend{
		ID: "sts_1", TenantID: "t1", TemplateID: "tpl_1", CustomerPhone: "+966501234567", ReferenceID: "R-1",
		Status: domain.SendPending, Payload: map[string]any{"customer_name": "Sara", "reference_id": "R-1"},
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	tr := &fakeTransport{}
	w := &Worker{Store: st, Transport: tr, Logger: logging.Discard()}
	return w, st, tr
}

func sendJob(t *testing.T, attemptsMade, attempts int) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTemplateSend, scheduler.SendJob{SendID: "sts_1", TenantID: "t1"},
		queue.AddOptions{JobID: "sts_1", Attempts: attempts}, time.Now(), func() string { return "x" })
	require.NoError(t, err)
	job.AttemptsMade = attemptsMade
	return job
}

func TestProcessSendsPendingRecord(t *testing.T) {
	w, st, tr := setup(t)
	require.NoError(t, w.Process(context.Background(), sendJob(t, 0, 3)))

	require.Len(t, tr.sent, 1)
	assert.Equal(t, sentMessage{"wa-1", "+966501234567", "Hi Sara, order R-1 is on its way"}, tr.sent[0])

	rec, _, _ := st.GetSend(context.Background(), "sts_1")
	assert.Equal(t, domain.SendSent, rec.Status)
	assert.Equal(t, "msg-1", rec.MessageID)
	assert.NotNil(t, rec.SentAt)
}

func TestProcessSkipsCancelledRecord(t *testing.T) {
	w, st, tr := setup(t)
	ctx := context.Background()
	_, err := st.CancelSend(ctx, "sts_1", "customer completed order", time.Now())
	require.NoError(t, err)

	require.NoError(t, w.Process(ctx, sendJob(t, 0, 3)))
	assert.Empty(t, tr.sent)

	rec, _, _ := st.GetSend(ctx, "sts_1")
	assert.Equal(t, domain.SendCancelled, rec.Status)
}

func TestProcessMissingTemplateFailsWithoutRetry(t *testing.T) {
	w, st, tr := setup(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertTemplate(ctx, domain.Template{ID: "tpl_1", TenantID: "t1"}))

	require.NoError(t, w.Process(ctx, sendJob(t, 0, 3)))
	assert.Empty(t, tr.sent)
	rec, _, _ := st.GetSend(ctx, "sts_1")
	assert.Equal(t, domain.SendFailed, rec.Status)
}

func TestProcessTransientErrorRetriesThenFails(t *testing.T) {
	w, st, tr := setup(t)
	ctx := context.Background()
	tr.err = errTransient

	err := w.Process(ctx, sendJob(t, 0, 2))
	assert.ErrorIs(t, err, errTransient)
	rec, _, _ := st.GetSend(ctx, "sts_1")
	assert.Equal(t, domain.SendPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	err = w.Process(ctx, sendJob(t, 1, 2))
	assert.ErrorIs(t, err, errTransient)
	rec, _, _ = st.GetSend(ctx, "sts_1")
	assert.Equal(t, domain.SendFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestProcessNonRetryableErrorFails(t *testing.T) {
	w, st, tr := setup(t)
	ctx := context.Background()
	tr.err = errors.New("invalid recipient")
	w.Retryable = func(error) bool { return false }

	require.NoError(t, w.Process(ctx, sendJob(t, 0, 5)))
	rec, _, _ := st.GetSend(ctx, "sts_1")
	assert.Equal(t, domain.SendFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "invalid recipient")
}

func TestProcessOpenBreakerDoesNotCountAttempt(t *testing.T) {
	w, st, tr := setup(t)
	ctx := context.Background()
	tr.err = errTransient
	w.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "test",
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	assert.ErrorIs(t, w.Process(ctx, sendJob(t, 0, 5)), errTransient)
	assert.ErrorIs(t, w.Process(ctx, sendJob(t, 1, 5)), gobreaker.ErrOpenState)

	assert.Len(t, tr.sent, 1)
	rec, _, _ := st.GetSend(ctx, "sts_1")
	assert.Equal(t, domain.SendPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestProcessIgnoresUnknownSend(t *testing.T) {
	w, _, tr := setup(t)
	job, err := queue.NewJob(queue.JobTemplateSend, scheduler.SendJob{SendID: "sts_missing"}, queue.AddOptions{}, time.Now(), func() string { return "y" })
	require.NoError(t, err)
	require.NoError(t, w.Process(context.Background(), job))
	assert.Empty(t, tr.sent)
}
