package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafeq/internal/config"
	"rafeq/internal/logging"
	"rafeq/internal/queue"
)

func TestOpenMemory(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.QueueConfig{Backend: "memory"}, logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
	job, err := s.Sends.Add(ctx, queue.JobTemplateSend, map[string]string{"sendId": "sts_1"}, queue.AddOptions{JobID: "sts_1"})
	require.NoError(t, err)
	assert.Equal(t, "sts_1", job.ID)

	_, err = s.Webhooks.GetJob(ctx, "sts_1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	// No sweepers: returns once ctx ends.
	sweepCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	s.RunSweepers(sweepCtx, time.Millisecond, nil)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.QueueConfig{Backend: "kafka"}, nil)
	assert.Error(t, err)
}

func TestOpenSQSRequiresURLs(t *testing.T) {
	_, err := Open(context.Background(), config.QueueConfig{Backend: "sqs"}, nil)
	assert.ErrorContains(t, err, "SQS_WEBHOOK_QUEUE_URL")
}
