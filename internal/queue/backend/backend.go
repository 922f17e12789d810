// Package backend opens the job queues selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/redis/go-redis/v9"

	"rafeq/internal/awsutil"
	"rafeq/internal/config"
	"rafeq/internal/observability"
	"rafeq/internal/queue"
	"rafeq/internal/queue/memqueue"
	"rafeq/internal/queue/redisq"
	sqsqueue "rafeq/internal/queue/sqs"
)

// Queue is both ends of one named queue.
type Queue interface {
	queue.Queue
	queue.Source
}

const (
	WebhookQueue = "webhooks"
	SendQueue    = "sends"
)

// Set holds the webhook processing queue and the delayed send queue.
type Set struct {
	Backend  string
	Webhooks Queue
	Sends    Queue

	ping     func(ctx context.Context) error
	sweepers []*redisq.Queue
	closer   func() error
}

func Open(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", "redis":
		return openRedis(ctx, cfg, logger)
	case "sqs":
		return openSQS(ctx, cfg, logger)
	case "memory":
		logger.Warn("memory queue backend is process local; use it for single-process runs only")
		return &Set{
			Backend:  "memory",
			Webhooks: memqueue.New(),
			Sends:    memqueue.New(),
			ping:     func(context.Context) error { return nil },
			closer:   func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.Backend)
}

func openRedis(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (*Set, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	webhooks := redisq.New(client, WebhookQueue)
	webhooks.Logger = logger
	sends := redisq.New(client, SendQueue)
	sends.Logger = logger
	return &Set{
		Backend:  "redis",
		Webhooks: webhooks,
		Sends:    sends,
		ping:     func(ctx context.Context) error { return client.Ping(ctx).Err() },
		sweepers: []*redisq.Queue{webhooks, sends},
		closer:   client.Close,
	}, nil
}

func openSQS(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (*Set, error) {
	if cfg.SQSWebhookQueueURL == "" || cfg.SQSSendQueueURL == "" {
		return nil, errors.New("SQS_WEBHOOK_QUEUE_URL and SQS_SEND_QUEUE_URL are required for the sqs backend")
	}
	client, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		return nil, fmt.Errorf("sqs client: %w", err)
	}
	newQueue := func(url string) *sqsqueue.Queue {
		return &sqsqueue.Queue{
			SQS:               client,
			QueueURL:          url,
			DeadLetterURL:     cfg.SQSDeadLetterQueueURL,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
			Logger:            logger,
		}
	}
	s := &Set{
		Backend:  "sqs",
		Webhooks: newQueue(cfg.SQSWebhookQueueURL),
		Sends:    newQueue(cfg.SQSSendQueueURL),
		closer:   func() error { return nil },
	}
	s.ping = func(ctx context.Context) error {
		for _, url := range []string{cfg.SQSWebhookQueueURL, cfg.SQSSendQueueURL} {
			if _, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl:       &url,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			}); err != nil {
				return err
			}
		}
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.ping(pingCtx); err != nil {
		return nil, fmt.Errorf("sqs not reachable: %w", err)
	}
	return s, nil
}

// Ping is a readiness check for the backend.
func (s *Set) Ping(ctx context.Context) error { return s.ping(ctx) }

// RunSweepers recovers expired leases on backends that hold them. It blocks
// until ctx ends.
func (s *Set) RunSweepers(ctx context.Context, interval time.Duration, m observability.Metrics) {
	if len(s.sweepers) == 0 {
		<-ctx.Done()
		return
	}
	done := make(chan struct{}, len(s.sweepers))
	for _, q := range s.sweepers {
		go func(q *redisq.Queue) {
			q.RunSweeper(ctx, interval, m)
			done <- struct{}{}
		}(q)
	}
	for range s.sweepers {
		<-done
	}
}

func (s *Set) Close() error { return s.closer() }
