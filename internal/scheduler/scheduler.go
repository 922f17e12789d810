// Package scheduler creates delayed template sends, enforces the one-active-send
// and per-recipient rate rules, and cancels pending sends when a conflicting
// domain event arrives.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rafeq/internal/domain"
	"rafeq/internal/eventbus"
	"rafeq/internal/observability"
	"rafeq/internal/queue"
	"rafeq/internal/store"
	"rafeq/internal/util"
)

var ErrMissingRecipient = errors.New("scheduler: recipient phone missing or invalid")

type Store interface {
	FindActiveSend(ctx context.Context, k store.SendKey) (domain.ScheduledTemplateSend, bool, error)
	CountSentSince(ctx context.Context, tenantID, templateID, phone string, since time.Time) (int, error)
	InsertSend(ctx context.Context, in domain.ScheduledTemplateSend) (bool, error)
	SetSendJobID(ctx context.Context, id, jobID string, now time.Time) error
	MarkSendFailed(ctx context.Context, id, msg string, now time.Time) (bool, error)
	FindPendingSends(ctx context.Context, f store.SendFilter) ([]domain.ScheduledTemplateSend, error)
	CancelSend(ctx context.Context, id, reason string, now time.Time) (bool, error)
	TemplatesTriggeredBy(ctx context.Context, tenantID, event string) ([]domain.Template, error)
	TemplatesCancelledBy(ctx context.Context, tenantID, event string) ([]domain.Template, error)
}

// SendJob is the payload of a template.send job.
type SendJob struct {
	SendID   string `json:"sendId"`
	TenantID string `json:"tenantId"`
}

type ScheduleRequest struct {
	Template      domain.Template
	Phone         string
	ReferenceID   string
	ReferenceType string
	TriggerEvent  string
	Delay         time.Duration
	Payload       map[string]any

	SequenceGroupKey string
	SequenceOrder    int
}

type Scheduler struct {
	Store   Store
	Queue   queue.Queue
	Logger  *slog.Logger
	Metrics observability.Metrics

	Attempts int
	Backoff  queue.Backoff
	Now      func() time.Time
}

// Subscribe registers HandleEvent for every domain event on bus.
func (s *Scheduler) Subscribe(bus *eventbus.Bus) {
	bus.On(eventbus.Wildcard, "scheduler", s.HandleEvent)
}

// ScheduleDelayedSend persists a pending send and its delayed job. It returns a
// nil record without error when the send is refused as a duplicate or by the
// template's rate limit.
func (s *Scheduler) ScheduleDelayedSend(ctx context.Context, req ScheduleRequest) (*domain.ScheduledTemplateSend, error) {
	tpl := req.Template
	phone := util.NormalizePhone(req.Phone)
	if phone == "" {
		return nil, ErrMissingRecipient
	}
	m := observability.OrNop(s.Metrics)
	log := s.logger().With("tenant_id", tpl.TenantID, "template_id", tpl.ID, "reference_id", req.ReferenceID)
	now := s.now()

	key := store.SendKey{TenantID: tpl.TenantID, TemplateID: tpl.ID, Phone: phone, ReferenceID: req.ReferenceID}
	if existing, found, err := s.Store.FindActiveSend(ctx, key); err != nil {
		return nil, fmt.Errorf("find active send: %w", err)
	} else if found {
		m.Inc(observability.SendsScheduled, "duplicate")
		log.Info("scheduled send refused, duplicate", "existing_id", existing.ID, "status", string(existing.Status))
		return nil, nil
	}

	if tpl.MaxSendsPerPeriod > 0 && tpl.PeriodHours > 0 {
		since := now.Add(-time.Duration(tpl.PeriodHours) * time.Hour)
		n, err := s.Store.CountSentSince(ctx, tpl.TenantID, tpl.ID, phone, since)
		if err != nil {
			return nil, fmt.Errorf("count sent: %w", err)
		}
		if n >= tpl.MaxSendsPerPeriod {
			m.Inc(observability.SendsScheduled, "rate_limited")
			log.Info("scheduled send refused, rate limited", "sent", n, "max", tpl.MaxSendsPerPeriod, "period_hours", tpl.PeriodHours)
			return nil, nil
		}
	}

	delay := req.Delay
	if delay < 0 {
		delay = 0
	}
	rec := domain.ScheduledTemplateSend{
		ID:               util.NewID("sts"),
		TenantID:         tpl.TenantID,
		TemplateID:       tpl.ID,
		CustomerPhone:    phone,
		ReferenceID:      req.ReferenceID,
		ReferenceType:    req.ReferenceType,
		TriggerEvent:     req.TriggerEvent,
		SequenceGroupKey: req.SequenceGroupKey,
		SequenceOrder:    req.SequenceOrder,
		Status:           domain.SendPending,
		ScheduledAt:      now.Add(delay),
		Payload:          req.Payload,
		CreatedAt:        now,
	}
	inserted, err := s.Store.InsertSend(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert send: %w", err)
	}
	if !inserted {
		// Lost a race with a concurrent identical request.
		m.Inc(observability.SendsScheduled, "duplicate")
		return nil, nil
	}

	job, err := s.Queue.Add(ctx, queue.JobTemplateSend, SendJob{SendID: rec.ID, TenantID: rec.TenantID}, queue.AddOptions{
		Delay:    delay,
		JobID:    rec.ID,
		Attempts: s.Attempts,
		Backoff:  s.Backoff,
	})
	if err != nil {
		m.Inc(observability.SendsScheduled, "enqueue_failed")
		if _, mErr := s.Store.MarkSendFailed(ctx, rec.ID, "enqueue failed: "+err.Error(), s.now()); mErr != nil {
			log.Error("mark send failed", "err", mErr, "send_id", rec.ID)
		}
		return nil, fmt.Errorf("enqueue send: %w", err)
	}
	rec.QueueJobID = job.ID
	if err := s.Store.SetSendJobID(ctx, rec.ID, job.ID, s.now()); err != nil {
		log.Error("persist send job id failed", "err", err, "send_id", rec.ID, "job_id", job.ID)
	}

	m.Inc(observability.SendsScheduled, "scheduled")
	log.Info("send scheduled", "send_id", rec.ID, "scheduled_at", rec.ScheduledAt, "sequence_group", rec.SequenceGroupKey)
	return &rec, nil
}

// CancelPendingSends cancels the pending sends of a tenant that match referenceID,
// or only those of sequenceGroupKey when it is set, and returns how many changed state.
func (s *Scheduler) CancelPendingSends(ctx context.Context, tenantID, referenceID, reason, sequenceGroupKey string) (int, error) {
	f := store.SendFilter{TenantID: tenantID, ReferenceID: referenceID, SequenceGroupKey: sequenceGroupKey}
	if f.Empty() {
		return 0, nil
	}
	recs, err := s.Store.FindPendingSends(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("find pending sends: %w", err)
	}
	return s.cancel(ctx, recs, reason)
}

// cancel marks each record cancelled and then removes its job. Job removal is
// best effort: the send worker re-reads the record before sending.
func (s *Scheduler) cancel(ctx context.Context, recs []domain.ScheduledTemplateSend, reason string) (int, error) {
	m := observability.OrNop(s.Metrics)
	n := 0
	var errs []error
	for _, rec := range recs {
		changed, err := s.Store.CancelSend(ctx, rec.ID, reason, s.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", rec.ID, err))
			continue
		}
		if !changed {
			continue
		}
		n++
		m.Inc(observability.SendsCancelled, reason)
		s.removeJob(ctx, rec)
	}
	return n, errors.Join(errs...)
}

func (s *Scheduler) removeJob(ctx context.Context, rec domain.ScheduledTemplateSend) {
	jobID := rec.QueueJobID
	if jobID == "" {
		jobID = rec.ID
	}
	err := s.Queue.Remove(ctx, jobID)
	switch {
	case err == nil, errors.Is(err, queue.ErrJobNotFound):
	case errors.Is(err, queue.ErrNotSupported), errors.Is(err, queue.ErrJobActive):
		s.logger().Debug("send job left in queue", "send_id", rec.ID, "job_id", jobID, "reason", err)
	default:
		s.logger().Warn("remove send job failed", "err", err, "send_id", rec.ID, "job_id", jobID)
	}
}

// CancelReason is the reason recorded when event cancels a pending send.
func CancelReason(event string) string {
	if event == string(domain.EventOrderCreated) {
		return "customer completed order"
	}
	return "cancelled by " + event
}

// SequenceGroupKey scopes a template sequence to one customer.
func SequenceGroupKey(group, phone string) string {
	if group == "" {
		return ""
	}
	return group + ":" + phone
}

// HandleEvent first cancels pending sends of templates that list the event in
// their cancel-on set, matching the event's reference id (the customer phone only
// reaches sends with no reference or another reference type), and then schedules the templates the event triggers.
func (s *Scheduler) HandleEvent(ctx context.Context, ev eventbus.Event) error {
	if ev.TenantID == "" {
		return nil
	}
	phone := util.NormalizePhone(ev.CustomerPhone)
	var errs []error

	if ev.ReferenceID != "" || phone != "" {
		if err := s.cancelFor(ctx, ev, phone); err != nil {
			errs = append(errs, err)
		}
	}

	tpls, err := s.Store.TemplatesTriggeredBy(ctx, ev.TenantID, ev.Name)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("templates triggered by %s: %w", ev.Name, err))...)
	}
	if len(tpls) > 0 && phone == "" {
		s.logger().Warn("event triggers templates but has no recipient", "event", ev.Name, "event_id", ev.EventID, "tenant_id", ev.TenantID)
		return errors.Join(errs...)
	}
	vars := ev.Vars()
	for _, tpl := range tpls {
		_, err := s.ScheduleDelayedSend(ctx, ScheduleRequest{
			Template:         tpl,
			Phone:            phone,
			ReferenceID:      ev.ReferenceID,
			ReferenceType:    ev.ReferenceType,
			TriggerEvent:     ev.Name,
			Delay:            time.Duration(tpl.DelayMinutes) * time.Minute,
			Payload:          vars,
			SequenceGroupKey: SequenceGroupKey(tpl.SequenceGroup, phone),
			SequenceOrder:    tpl.SequenceOrder,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", tpl.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) cancelFor(ctx context.Context, ev eventbus.Event, phone string) error {
	tpls, err := s.Store.TemplatesCancelledBy(ctx, ev.TenantID, ev.Name)
	if err != nil {
		return fmt.Errorf("templates cancelled by %s: %w", ev.Name, err)
	}
	if len(tpls) == 0 {
		return nil
	}
	ids := make([]string, len(tpls))
	for i, t := range tpls {
		ids[i] = t.ID
	}
	recs, err := s.Store.FindPendingSends(ctx, store.SendFilter{
		TenantID:      ev.TenantID,
		ReferenceID:   ev.ReferenceID,
		ReferenceType: ev.ReferenceType,
		Phone:         phone,
		TemplateIDs:   ids,
	})
	if err != nil {
		return fmt.Errorf("find pending sends: %w", err)
	}
	reason := CancelReason(ev.Name)
	n, err := s.cancel(ctx, recs, reason)
	if n > 0 {
		s.logger().Info("pending sends cancelled", "event", ev.Name, "tenant_id", ev.TenantID, "count", n, "reason", reason)
	}
	return err
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
