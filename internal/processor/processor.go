// Package processor drains webhook.process jobs: it claims the stored event,
// dispatches it by type, syncs customer and order projections and publishes
// domain events for the scheduler and other subscribers.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rafeq/internal/domain"
	"rafeq/internal/eventbus"
	"rafeq/internal/observability"
	"rafeq/internal/queue"
	"rafeq/internal/status"
	"rafeq/internal/store"
	"rafeq/internal/util"
	"rafeq/internal/webhook"
)

type Store interface {
	GetEvent(ctx context.Context, id string) (domain.WebhookEvent, bool, error)
	ClaimEvent(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	CompleteEvent(ctx context.Context, in store.EventCompletion) error
	FailEvent(ctx context.Context, in store.EventFailure) (int, error)
	ResetEventForReplay(ctx context.Context, id string, now time.Time) (bool, error)
	InsertEventLog(ctx context.Context, l domain.WebhookLog) error
	LinkOrphanEvents(ctx context.Context, in store.OrphanLink) ([]string, error)

	FindStoreByMerchant(ctx context.Context, provider domain.Provider, merchantID string) (domain.Store, bool, error)
	UpsertStore(ctx context.Context, in domain.Store) (domain.Store, error)
	UpsertCustomer(ctx context.Context, in domain.Customer) (domain.Customer, error)
	FindOrder(ctx context.Context, storeID, externalID string) (domain.Order, bool, error)
	UpsertOrder(ctx context.Context, in domain.Order) (domain.Order, error)
	MarkOrderDeleted(ctx context.Context, storeID, externalID string, now time.Time) (bool, error)
}

// Publisher delivers domain events. It returns the number of failed subscribers.
type Publisher interface {
	Emit(ctx context.Context, ev eventbus.Event) int
}

// Outcome is stored as the event's processing result.
type Outcome struct {
	Handled    bool     `json:"handled"`
	Action     string   `json:"action,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	EntityID   string   `json:"entityId,omitempty"`
	EntityType string   `json:"entityType,omitempty"`
	Status     string   `json:"status,omitempty"`
	RawStatus  string   `json:"rawStatus,omitempty"`
	Trigger    string   `json:"trigger,omitempty"`
	Emitted    []string `json:"emitted,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

type handlerFunc func(ctx context.Context, ec *eventContext) error

// eventContext carries one event through its handler.
type eventContext struct {
	ev   domain.WebhookEvent
	top  object
	data object
	log  *slog.Logger
	out  Outcome

	steps int
	errs  []error
}

// step records the result of an isolated sub-step. A failed step is logged and
// kept as a warning; the handler carries on with the next one.
func (ec *eventContext) step(name string, err error) bool {
	ec.steps++
	if err == nil {
		return true
	}
	ec.log.Error(name+" failed", "err", err)
	ec.out.Warnings = append(ec.out.Warnings, name+": "+err.Error())
	ec.errs = append(ec.errs, fmt.Errorf("%s: %w", name, err))
	return false
}

// allFailed reports whether the handler ran sub-steps and none succeeded.
func (ec *eventContext) allFailed() bool {
	return ec.steps > 0 && len(ec.errs) == ec.steps
}

type Processor struct {
	Store      Store
	Bus        Publisher
	Queue      queue.Queue
	Normalizer *status.Normalizer
	Logger     *slog.Logger
	Metrics    observability.Metrics
	// StaleAfter lets a worker reclaim an event another worker left in processing.
	StaleAfter time.Duration
	Now        func() time.Time

	handlers map[domain.EventType]handlerFunc
}

func New(st Store, bus Publisher, q queue.Queue) *Processor {
	p := &Processor{Store: st, Bus: bus, Queue: q, StaleAfter: 5 * time.Minute}
	p.handlers = map[domain.EventType]handlerFunc{
		domain.EventOrderCreated:         p.orderHandler(orderRule{force: domain.OrderCreated, emit: string(domain.EventOrderCreated)}),
		domain.EventOrderUpdated:         p.orderHandler(orderRule{triggerOnChange: true}),
		domain.EventOrderStatusUpdated:   p.orderHandler(orderRule{trigger: true}),
		domain.EventOrderPaymentUpdated:  p.orderHandler(orderRule{emit: string(domain.EventOrderPaymentUpdated), triggerOnChange: true}),
		domain.EventOrderCancelled:       p.orderHandler(orderRule{fallback: domain.OrderCancelled, trigger: true}),
		domain.EventOrderRefunded:        p.orderHandler(orderRule{fallback: domain.OrderRefunded, trigger: true}),
		domain.EventOrderDeleted:         p.handleOrderDeleted,
		domain.EventOrderShipmentCreated: p.handleShipment,
		domain.EventShipmentCreated:      p.handleShipment,
		domain.EventCustomerCreated:      p.handleCustomer,
		domain.EventCustomerUpdated:      p.handleCustomer,
		domain.EventCustomerLogin:        p.handleCustomerLogin,
		domain.EventAbandonedCart:        p.handleAbandonedCart,
		domain.EventAppStoreAuthorize:    p.handleAuthorize,
		domain.EventAppInstalled:         p.handleAuthorize,
		domain.EventAppUninstalled:       p.handleUninstalled,
	}
	return p
}

// ownerless event types run before their store is linked.
var ownerless = map[domain.EventType]bool{
	domain.EventAppStoreAuthorize: true,
	domain.EventAppInstalled:      true,
}

// Process handles one webhook.process job. A returned error makes the queue retry.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	var payload webhook.ProcessJob
	if err := job.Decode(&payload); err != nil || payload.EventID == "" {
		p.logger().Error("bad webhook.process payload", "job_id", job.ID, "err", err)
		return nil
	}
	m := observability.OrNop(p.Metrics)

	ev, found, err := p.Store.GetEvent(ctx, payload.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if !found {
		p.logger().Warn("webhook event not found", "event_id", payload.EventID, "job_id", job.ID)
		return nil
	}
	log := p.logger().With("event_id", ev.ID, "event_type", string(ev.EventType), "tenant_id", ev.TenantID, "job_id", job.ID)
	if ev.Status == domain.EventProcessed {
		m.Inc(observability.EventsProcessed, string(ev.EventType), "duplicate")
		log.Info("event already processed")
		return nil
	}

	start := time.Now()
	claimed, err := p.Store.ClaimEvent(ctx, ev.ID, p.now(), p.StaleAfter)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		log.Info("event claimed elsewhere", "status", string(ev.Status))
		return nil
	}

	h, ok := p.handlers[ev.EventType]
	if !ok {
		log.Warn("unhandled event type")
		return p.complete(ctx, log, ev, domain.EventSkipped, Outcome{Handled: false, Reason: "unknown event type"}, start, "unhandled")
	}
	if ev.TenantID == "" && !ownerless[ev.EventType] {
		log.Warn("event store not linked, skipping until authorized", "merchant_id", ev.MerchantID)
		return p.complete(ctx, log, ev, domain.EventSkipped, Outcome{Handled: false, Reason: "store not linked"}, start, "skipped")
	}

	top, data := decodePayload(ev.Payload)
	ec := &eventContext{ev: ev, top: top, data: data, log: log, out: Outcome{Handled: true}}
	if err := h(ctx, ec); err != nil {
		return p.fail(ctx, log, job, ev, err, start)
	}
	if ec.allFailed() {
		return p.fail(ctx, log, job, ev, errors.Join(ec.errs...), start)
	}
	if !ec.out.Handled {
		return p.complete(ctx, log, ev, domain.EventSkipped, ec.out, start, "skipped")
	}
	return p.complete(ctx, log, ev, domain.EventProcessed, ec.out, start, "processed")
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, ev domain.WebhookEvent, st domain.EventStatus, out Outcome, start time.Time, outcome string) error {
	result, _ := json.Marshal(out)
	err := p.Store.CompleteEvent(ctx, store.EventCompletion{
		ID:                ev.ID,
		Status:            st,
		Result:            result,
		RelatedEntityID:   out.EntityID,
		RelatedEntityType: out.EntityType,
		Now:               p.now(),
	})
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	d := time.Since(start)
	p.audit(ctx, log, ev.ID, st, ev.Attempts+1, out.Reason, d)

	m := observability.OrNop(p.Metrics)
	m.Inc(observability.EventsProcessed, string(ev.EventType), outcome)
	m.Observe(observability.EventDuration, d, string(ev.EventType))
	log.Info("webhook event finished", "status", string(st), "duration", d, "emitted", out.Emitted)
	return nil
}

// fail records the attempt and returns cause for the queue to back off. The final
// attempt leaves the event failed for manual replay.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, job *queue.Job, ev domain.WebhookEvent, cause error, start time.Time) error {
	st := domain.EventRetryPending
	outcome := "retry"
	if job.FinalAttempt() {
		st = domain.EventFailed
		outcome = "failed"
	}
	attempts, err := p.Store.FailEvent(ctx, store.EventFailure{ID: ev.ID, Status: st, Error: cause.Error(), Now: p.now()})
	if err != nil {
		log.Error("record event failure", "err", err)
		attempts = ev.Attempts + 1
	}
	p.audit(ctx, log, ev.ID, st, attempts, cause.Error(), time.Since(start))
	observability.OrNop(p.Metrics).Inc(observability.EventsProcessed, string(ev.EventType), outcome)
	log.Error("webhook event failed", "err", cause, "attempts", attempts, "status", string(st))
	return cause
}

func (p *Processor) audit(ctx context.Context, log *slog.Logger, eventID string, st domain.EventStatus, attempt int, msg string, d time.Duration) {
	err := p.Store.InsertEventLog(ctx, domain.WebhookLog{
		ID:         util.NewID("log"),
		EventID:    eventID,
		Status:     st,
		Attempt:    attempt,
		Message:    msg,
		DurationMs: d.Milliseconds(),
		CreatedAt:  p.now(),
	})
	if err != nil {
		log.Error("insert webhook log failed", "err", err)
	}
}

// emit publishes a domain event derived from ec. Subscriber failures are logged
// by the bus and do not fail the webhook event.
func (p *Processor) emit(ctx context.Context, ec *eventContext, ev eventbus.Event) {
	ev.TenantID = ec.ev.TenantID
	ev.StoreID = ec.ev.StoreID
	ev.EventID = ec.ev.ID
	ev.OccurredAt = p.now()
	ev.Raw = ec.ev.Payload
	if ec.allFailed() {
		return
	}
	ec.out.Emitted = append(ec.out.Emitted, ev.Name)
	if p.Bus == nil {
		return
	}
	if failed := p.Bus.Emit(ctx, ev); failed > 0 {
		ec.out.Warnings = append(ec.out.Warnings, fmt.Sprintf("%s: %d subscriber(s) failed", ev.Name, failed))
	}
}

// LinkStore activates a store for its tenant, attaches the merchant's orphan events
// and re-enqueues those that were skipped. It returns how many were re-enqueued.
func (p *Processor) LinkStore(ctx context.Context, st domain.Store) (domain.Store, int, error) {
	now := p.now()
	st.Active = true
	st.AuthorizedAt = &now
	if st.ID == "" {
		st.ID = util.NewID("sto")
	}
	// Upserts stamp updated_at from CreatedAt; the stored created_at is kept.
	st.CreatedAt = now
	saved, err := p.Store.UpsertStore(ctx, st)
	if err != nil {
		return domain.Store{}, 0, fmt.Errorf("upsert store: %w", err)
	}
	ids, err := p.Store.LinkOrphanEvents(ctx, store.OrphanLink{
		Provider: saved.Provider, MerchantID: saved.MerchantID, TenantID: saved.TenantID, StoreID: saved.ID, Now: now,
	})
	if err != nil {
		return saved, 0, fmt.Errorf("link orphan events: %w", err)
	}

	n := 0
	for _, id := range ids {
		ev, found, err := p.Store.GetEvent(ctx, id)
		if err != nil || !found {
			continue
		}
		if ok, err := p.Store.ResetEventForReplay(ctx, id, now); err != nil || !ok {
			continue
		}
		_, err = p.Queue.Add(ctx, queue.JobWebhookProcess, webhook.ProcessJob{EventID: id, TenantID: saved.TenantID, StoreID: saved.ID},
			queue.AddOptions{Priority: int(domain.PriorityFor(ev.EventType))})
		if err != nil {
			p.logger().Error("re-enqueue orphan event failed", "err", err, "event_id", id)
			continue
		}
		n++
	}
	p.logger().Info("store linked", "store_id", saved.ID, "tenant_id", saved.TenantID, "merchant_id", saved.MerchantID,
		"orphans", len(ids), "requeued", n)
	return saved, n, nil
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
