// Package sender fires scheduled template sends when their delayed job comes due.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"rafeq/internal/domain"
	"rafeq/internal/observability"
	"rafeq/internal/queue"
	"rafeq/internal/scheduler"
	"rafeq/internal/util"
)

type Store interface {
	GetSend(ctx context.Context, id string) (domain.ScheduledTemplateSend, bool, error)
	GetTemplate(ctx context.Context, id string) (domain.Template, bool, error)
	MarkSendSent(ctx context.Context, id, messageID string, now time.Time) (bool, error)
	MarkSendFailed(ctx context.Context, id, msg string, now time.Time) (bool, error)
	RecordSendAttempt(ctx context.Context, id, msg string, now time.Time) (int, error)
}

// Transport delivers rendered content to a recipient.
type Transport interface {
	SendMessage(ctx context.Context, channelID, recipient, content string) (string, error)
}

type Worker struct {
	Store     Store
	Transport Transport
	Limiter   *rate.Limiter
	Breaker   *gobreaker.CircuitBreaker
	Logger    *slog.Logger
	Metrics   observability.Metrics

	// Retryable classifies transport errors. Nil treats every error as transient.
	Retryable   func(error) bool
	SendTimeout time.Duration
	Now         func() time.Time
}

// NewBreaker returns the breaker used around the transport.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
}

// Process handles one template.send job. The stored record is authoritative: a
// send that is no longer pending is skipped even if its job still fired.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	var payload scheduler.SendJob
	if err := job.Decode(&payload); err != nil || payload.SendID == "" {
		w.logger().Error("bad template.send payload", "job_id", job.ID, "err", err)
		return nil
	}
	m := observability.OrNop(w.Metrics)
	log := w.logger().With("send_id", payload.SendID, "tenant_id", payload.TenantID, "job_id", job.ID)

	rec, found, err := w.Store.GetSend(ctx, payload.SendID)
	if err != nil {
		return fmt.Errorf("load send: %w", err)
	}
	if !found {
		log.Warn("scheduled send not found")
		return nil
	}
	if rec.Status != domain.SendPending {
		m.Inc(observability.SendsFinished, "skipped")
		log.Info("scheduled send no longer pending", "status", string(rec.Status))
		return nil
	}

	tpl, found, err := w.Store.GetTemplate(ctx, rec.TemplateID)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	if !found || tpl.Content == "" {
		return w.abandon(ctx, log, rec, "template missing or empty")
	}
	to := util.NormalizePhone(rec.CustomerPhone)
	if to == "" {
		return w.abandon(ctx, log, rec, "recipient unresolvable")
	}
	body := util.RenderTemplate(tpl.Content, rec.Payload)

	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	messageID, err := w.send(ctx, tpl.ChannelID, to, body)
	if err != nil {
		return w.handleSendError(ctx, log, job, rec, err)
	}
	m.Observe(observability.SendLatency, time.Since(start))

	changed, err := w.Store.MarkSendSent(ctx, rec.ID, messageID, w.now())
	if err != nil {
		// The message went out. Returning the error would send it again.
		log.Error("mark send sent failed", "err", err, "message_id", messageID)
		m.Inc(observability.SendsFinished, "sent")
		return nil
	}
	if !changed {
		log.Warn("send cancelled while in flight", "message_id", messageID)
	}
	m.Inc(observability.SendsFinished, "sent")
	log.Info("scheduled send delivered", "message_id", messageID, "template_id", tpl.ID)
	return nil
}

func (w *Worker) send(ctx context.Context, channelID, to, body string) (string, error) {
	call := func() (any, error) {
		sendCtx := ctx
		if w.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, w.SendTimeout)
			defer cancel()
		}
		return w.Transport.SendMessage(sendCtx, channelID, to, body)
	}
	if w.Breaker == nil {
		res, err := call()
		if err != nil {
			return "", err
		}
		return res.(string), nil
	}
	res, err := w.Breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (w *Worker) handleSendError(ctx context.Context, log *slog.Logger, job *queue.Job, rec domain.ScheduledTemplateSend, sendErr error) error {
	m := observability.OrNop(w.Metrics)
	breakerOpen := errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests)
	if !breakerOpen && w.Retryable != nil && !w.Retryable(sendErr) {
		return w.abandon(ctx, log, rec, "non-retryable: "+sendErr.Error())
	}

	// An open breaker never reached the transport and does not count as a send attempt.
	attempts := rec.Attempts
	if !breakerOpen {
		n, err := w.Store.RecordSendAttempt(ctx, rec.ID, sendErr.Error(), w.now())
		if err != nil {
			log.Error("record send attempt failed", "err", err)
		}
		attempts = n
	}
	if job.FinalAttempt() {
		if _, err := w.Store.MarkSendFailed(ctx, rec.ID, "retries exhausted: "+sendErr.Error(), w.now()); err != nil {
			log.Error("mark send failed", "err", err)
		}
		m.Inc(observability.SendsFinished, "failed")
		log.Error("scheduled send failed permanently", "err", sendErr, "attempts", attempts)
		return sendErr
	}
	if breakerOpen {
		m.Inc(observability.SendsFinished, "breaker_open")
	} else {
		m.Inc(observability.SendsFinished, "retry")
	}
	log.Warn("scheduled send failed, will retry", "err", sendErr, "attempts", attempts)
	return sendErr
}

// abandon marks the record failed without retrying the job.
func (w *Worker) abandon(ctx context.Context, log *slog.Logger, rec domain.ScheduledTemplateSend, reason string) error {
	if _, err := w.Store.MarkSendFailed(ctx, rec.ID, reason, w.now()); err != nil {
		return fmt.Errorf("mark send failed: %w", err)
	}
	observability.OrNop(w.Metrics).Inc(observability.SendsFinished, "failed")
	log.Warn("scheduled send abandoned", "reason", reason)
	return nil
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return util.NowUTC()
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
