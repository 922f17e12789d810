// Package webhook turns inbound provider deliveries into durable events and
// queued processing jobs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rafeq/internal/domain"
	"rafeq/internal/observability"
	"rafeq/internal/queue"
	"rafeq/internal/util"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNotReplayable is returned by Replay for events that are pending,
	// processing or already processed.
	ErrNotReplayable = errors.New("event is not in a replayable state")
)

type Store interface {
	InsertEvent(ctx context.Context, ev domain.WebhookEvent) (bool, error)
	GetEvent(ctx context.Context, id string) (domain.WebhookEvent, bool, error)
	FindEventByIdempotencyKey(ctx context.Context, key string) (domain.WebhookEvent, bool, error)
	FindStoreByMerchant(ctx context.Context, provider domain.Provider, merchantID string) (domain.Store, bool, error)
	InsertEventLog(ctx context.Context, l domain.WebhookLog) error
	MarkEventFailed(ctx context.Context, id, msg string, now time.Time) error
	ResetEventForReplay(ctx context.Context, id string, now time.Time) (bool, error)
}

// ProcessJob is the payload of a webhook.process job.
type ProcessJob struct {
	EventID  string `json:"eventId"`
	TenantID string `json:"tenantId,omitempty"`
	StoreID  string `json:"storeId,omitempty"`
}

type Result struct {
	Accepted  bool
	Duplicate bool
	EventID   string
	JobID     string
	Message   string
}

type Gateway struct {
	Providers map[domain.Provider]Provider
	Store     Store
	Queue     queue.Queue
	Logger    *slog.Logger
	Metrics   observability.Metrics
	// Attempts is the processing attempt ceiling per job.
	Attempts int
	Now      func() time.Time
}

func NewGateway(st Store, q queue.Queue, providers ...Provider) *Gateway {
	g := &Gateway{Providers: make(map[domain.Provider]Provider, len(providers)), Store: st, Queue: q}
	for _, p := range providers {
		g.Providers[p.Name] = p
	}
	return g
}

// Ingest verifies, deduplicates, persists and enqueues one delivery. Only
// ErrUnknownProvider, ErrInvalidSignature and ErrMalformedPayload reject the
// request itself; any other error leaves the event on record for replay.
func (g *Gateway) Ingest(ctx context.Context, provider string, rawBody []byte, headers http.Header) (Result, error) {
	p, ok := g.Providers[domain.Provider(strings.ToLower(provider))]
	if !ok {
		return Result{}, ErrUnknownProvider
	}
	m := observability.OrNop(g.Metrics)
	log := g.logger().With("provider", string(p.Name))

	if !VerifySignature(rawBody, headers.Get(p.SignatureHeader), p.Secret) {
		m.Inc(observability.WebhooksReceived, string(p.Name), "invalid_signature")
		log.Warn("webhook signature rejected", "delivery_id", headers.Get(p.DeliveryHeader))
		return Result{}, ErrInvalidSignature
	}

	env, ok := p.ParseEnvelope(rawBody)
	if !ok {
		m.Inc(observability.WebhooksReceived, string(p.Name), "malformed")
		return Result{}, ErrMalformedPayload
	}
	key := env.IdempotencyKey()
	log = log.With("event_type", string(env.Event), "merchant_id", env.MerchantID)

	if existing, found, err := g.Store.FindEventByIdempotencyKey(ctx, key); err != nil {
		return Result{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if found {
		m.Inc(observability.WebhooksReceived, string(p.Name), "duplicate")
		log.Info("duplicate webhook ignored", "event_id", existing.ID)
		return Result{Accepted: true, Duplicate: true, EventID: existing.ID, Message: "duplicate"}, nil
	}

	now := g.now()
	ev := domain.WebhookEvent{
		ID:                util.NewID("evt"),
		Provider:          p.Name,
		EventType:         env.Event,
		ExternalID:        env.ExternalID,
		MerchantID:        env.MerchantID,
		DeliveryID:        headers.Get(p.DeliveryHeader),
		IdempotencyKey:    key,
		Payload:           rawBody,
		Headers:           flattenHeaders(headers),
		Status:            domain.EventPending,
		SignatureVerified: true,
		CreatedAt:         now,
	}
	g.resolveOwner(ctx, log, &ev)

	inserted, err := g.Store.InsertEvent(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("insert event: %w", err)
	}
	if !inserted {
		// A concurrent delivery won the unique key.
		m.Inc(observability.WebhooksReceived, string(p.Name), "duplicate")
		existing, _, err := g.Store.FindEventByIdempotencyKey(ctx, key)
		if err != nil {
			log.Error("duplicate webhook lookup failed", "err", err, "idempotency_key", key)
		}
		return Result{Accepted: true, Duplicate: true, EventID: existing.ID, Message: "duplicate"}, nil
	}
	g.audit(ctx, ev.ID, domain.EventPending, "received")

	if ev.TenantID == "" {
		log.Warn("webhook merchant not linked to a store", "event_id", ev.ID)
	}

	job, err := g.enqueue(ctx, ev)
	if err != nil {
		m.Inc(observability.WebhooksReceived, string(p.Name), "enqueue_failed")
		log.Error("enqueue webhook event failed", "err", err, "event_id", ev.ID)
		if mErr := g.Store.MarkEventFailed(ctx, ev.ID, "enqueue failed: "+err.Error(), g.now()); mErr != nil {
			log.Error("mark event failed", "err", mErr, "event_id", ev.ID)
		}
		g.audit(ctx, ev.ID, domain.EventFailed, "enqueue failed: "+err.Error())
		return Result{EventID: ev.ID, Message: "queue unavailable"}, fmt.Errorf("enqueue: %w", err)
	}

	m.Inc(observability.WebhooksReceived, string(p.Name), "accepted")
	log.Info("webhook accepted", "event_id", ev.ID, "job_id", job.ID, "tenant_id", ev.TenantID)
	return Result{Accepted: true, EventID: ev.ID, JobID: job.ID, Message: "queued"}, nil
}

// Replay puts a failed, skipped or dead-lettered event back on the queue.
func (g *Gateway) Replay(ctx context.Context, eventID string) (Result, error) {
	ev, found, err := g.Store.GetEvent(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, domain.ErrNotFound
	}
	reset, err := g.Store.ResetEventForReplay(ctx, eventID, g.now())
	if err != nil {
		return Result{}, err
	}
	if !reset {
		return Result{EventID: eventID}, ErrNotReplayable
	}
	g.audit(ctx, eventID, domain.EventPending, "manual replay")

	job, err := g.enqueue(ctx, ev)
	if err != nil {
		_ = g.Store.MarkEventFailed(ctx, eventID, "replay enqueue failed: "+err.Error(), g.now())
		return Result{EventID: eventID}, fmt.Errorf("enqueue: %w", err)
	}
	g.logger().Info("webhook event replayed", "event_id", eventID, "job_id", job.ID)
	return Result{Accepted: true, EventID: eventID, JobID: job.ID, Message: "replayed"}, nil
}

func (g *Gateway) enqueue(ctx context.Context, ev domain.WebhookEvent) (*queue.Job, error) {
	return g.Queue.Add(ctx, queue.JobWebhookProcess, ProcessJob{
		EventID:  ev.ID,
		TenantID: ev.TenantID,
		StoreID:  ev.StoreID,
	}, queue.AddOptions{
		Priority: int(domain.PriorityFor(ev.EventType)),
		Attempts: g.Attempts,
	})
}

// resolveOwner links the event to its store. An unknown merchant leaves the owner
// empty; the event is kept and linked once the store authorizes.
func (g *Gateway) resolveOwner(ctx context.Context, log *slog.Logger, ev *domain.WebhookEvent) {
	if ev.MerchantID == "" {
		return
	}
	st, found, err := g.Store.FindStoreByMerchant(ctx, ev.Provider, ev.MerchantID)
	if err != nil {
		log.Error("store lookup failed", "err", err)
		return
	}
	if found && st.Active {
		ev.TenantID = st.TenantID
		ev.StoreID = st.ID
	}
}

func (g *Gateway) audit(ctx context.Context, eventID string, status domain.EventStatus, msg string) {
	err := g.Store.InsertEventLog(ctx, domain.WebhookLog{
		ID:        util.NewID("log"),
		EventID:   eventID,
		Status:    status,
		Message:   msg,
		CreatedAt: g.now(),
	})
	if err != nil {
		g.logger().Error("insert webhook log failed", "err", err, "event_id", eventID)
	}
}

var redactedHeaders = map[string]bool{"Authorization": true, "Cookie": true}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || redactedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[strings.ToLower(k)] = v[0]
	}
	return out
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return util.NowUTC()
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
