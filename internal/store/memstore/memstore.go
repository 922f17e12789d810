// Package memstore is an in-memory row store with the same semantics as the
// Postgres store: unique idempotency keys, at most one active send per tuple and
// guarded status transitions. Used by tests and local runs without a database.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"rafeq/internal/domain"
	"rafeq/internal/store"
	"rafeq/internal/util"
)

type Store struct {
	mu sync.Mutex

	events    map[string]domain.WebhookEvent
	eventKeys map[string]string
	logs      []domain.WebhookLog
	stores    map[string]domain.Store
	customers map[string]domain.Customer
	orders    map[string]domain.Order
	deleted   map[string]time.Time
	templates map[string]domain.Template
	sends     map[string]domain.ScheduledTemplateSend
}

func New() *Store {
	return &Store{
		events:    make(map[string]domain.WebhookEvent),
		eventKeys: make(map[string]string),
		stores:    make(map[string]domain.Store),
		customers: make(map[string]domain.Customer),
		orders:    make(map[string]domain.Order),
		deleted:   make(map[string]time.Time),
		templates: make(map[string]domain.Template),
		sends:     make(map[string]domain.ScheduledTemplateSend),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func projKey(storeID, externalID string) string { return storeID + "\x00" + externalID }

func storeKey(p domain.Provider, merchantID string) string { return string(p) + "\x00" + merchantID }

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// events

func (s *Store) InsertEvent(ctx context.Context, ev domain.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.IdempotencyKey != "" {
		if _, ok := s.eventKeys[ev.IdempotencyKey]; ok {
			return false, nil
		}
		s.eventKeys[ev.IdempotencyKey] = ev.ID
	}
	ev.UpdatedAt = ev.CreatedAt
	s.events[ev.ID] = ev
	return true, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev, ok, nil
}

func (s *Store) FindEventByIdempotencyKey(ctx context.Context, key string) (domain.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.eventKeys[key]
	if !ok {
		return domain.WebhookEvent{}, false, nil
	}
	return s.events[id], true, nil
}

func (s *Store) ClaimEvent(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return false, nil
	}
	switch ev.Status {
	case domain.EventPending, domain.EventRetryPending, domain.EventFailed, domain.EventSkipped:
	case domain.EventProcessing:
		if !ev.UpdatedAt.Before(now.Add(-staleAfter)) {
			return false, nil
		}
	default:
		return false, nil
	}
	ev.Status = domain.EventProcessing
	ev.UpdatedAt = now
	s.events[id] = ev
	return true, nil
}

func (s *Store) CompleteEvent(ctx context.Context, in store.EventCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[in.ID]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = in.Status
	ev.ProcessingResult = in.Result
	ev.RelatedEntityID = firstNonEmpty(in.RelatedEntityID, ev.RelatedEntityID)
	ev.RelatedEntityType = firstNonEmpty(in.RelatedEntityType, ev.RelatedEntityType)
	ev.ErrorMessage = ""
	if in.Status == domain.EventProcessed {
		t := in.Now
		ev.ProcessedAt = &t
	}
	ev.UpdatedAt = in.Now
	s.events[in.ID] = ev
	return nil
}

func (s *Store) FailEvent(ctx context.Context, in store.EventFailure) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[in.ID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	ev.Status = in.Status
	ev.ErrorMessage = in.Error
	ev.Attempts++
	ev.UpdatedAt = in.Now
	s.events[in.ID] = ev
	return ev.Attempts, nil
}

func (s *Store) MarkEventFailed(ctx context.Context, id, msg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = domain.EventFailed
	ev.ErrorMessage = msg
	ev.UpdatedAt = now
	s.events[id] = ev
	return nil
}

func (s *Store) ResetEventForReplay(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return false, nil
	}
	switch ev.Status {
	case domain.EventFailed, domain.EventSkipped, domain.EventRetryPending:
	default:
		return false, nil
	}
	ev.Status = domain.EventPending
	ev.ErrorMessage = ""
	ev.UpdatedAt = now
	s.events[id] = ev
	return true, nil
}

func (s *Store) InsertEventLog(ctx context.Context, l domain.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[l.EventID]; !ok {
		return domain.ErrNotFound
	}
	s.logs = append(s.logs, l)
	return nil
}

func (s *Store) ListEventLogs(ctx context.Context, eventID string) ([]domain.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookLog
	for _, l := range s.logs {
		if l.EventID == eventID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) LinkOrphanEvents(ctx context.Context, in store.OrphanLink) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var skipped []string
	for id, ev := range s.events {
		if ev.TenantID != "" || ev.Provider != in.Provider || ev.MerchantID != in.MerchantID {
			continue
		}
		ev.TenantID = in.TenantID
		ev.StoreID = in.StoreID
		ev.UpdatedAt = in.Now
		s.events[id] = ev
		if ev.Status == domain.EventSkipped {
			skipped = append(skipped, id)
		}
	}
	sort.Strings(skipped)
	return skipped, nil
}

// Events returns all events, oldest first.
func (s *Store) Events() []domain.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WebhookEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// stores and projections

func (s *Store) FindStoreByMerchant(ctx context.Context, provider domain.Provider, merchantID string) (domain.Store, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[storeKey(provider, merchantID)]
	return st, ok, nil
}

func (s *Store) UpsertStore(ctx context.Context, in domain.Store) (domain.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(in.Provider, in.MerchantID)
	cur, ok := s.stores[k]
	if !ok {
		in.UpdatedAt = in.CreatedAt
		s.stores[k] = in
		return in, nil
	}
	cur.TenantID = firstNonEmpty(in.TenantID, cur.TenantID)
	cur.Name = firstNonEmpty(in.Name, cur.Name)
	cur.Active = in.Active
	if in.AuthorizedAt != nil {
		cur.AuthorizedAt = in.AuthorizedAt
	}
	cur.UpdatedAt = in.CreatedAt
	s.stores[k] = cur
	return cur, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, in domain.Customer) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := projKey(in.StoreID, in.ExternalID)
	cur, ok := s.customers[k]
	if !ok {
		in.UpdatedAt = in.CreatedAt
		s.customers[k] = in
		return in, nil
	}
	cur.TenantID = firstNonEmpty(in.TenantID, cur.TenantID)
	cur.Name = firstNonEmpty(in.Name, cur.Name)
	cur.Phone = firstNonEmpty(in.Phone, cur.Phone)
	cur.Email = firstNonEmpty(in.Email, cur.Email)
	cur.UpdatedAt = in.CreatedAt
	s.customers[k] = cur
	return cur, nil
}

func (s *Store) Customers() []domain.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Store) FindOrder(ctx context.Context, storeID, externalID string) (domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[projKey(storeID, externalID)]
	return o, ok, nil
}

func (s *Store) UpsertOrder(ctx context.Context, in domain.Order) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := projKey(in.StoreID, in.ExternalID)
	delete(s.deleted, k)
	cur, ok := s.orders[k]
	if !ok {
		in.UpdatedAt = in.CreatedAt
		s.orders[k] = in
		return in, nil
	}
	cur.TenantID = firstNonEmpty(in.TenantID, cur.TenantID)
	cur.ReferenceID = firstNonEmpty(in.ReferenceID, cur.ReferenceID)
	cur.CustomerID = firstNonEmpty(in.CustomerID, cur.CustomerID)
	cur.CustomerPhone = firstNonEmpty(in.CustomerPhone, cur.CustomerPhone)
	cur.Status = in.Status
	cur.RawStatus = firstNonEmpty(in.RawStatus, cur.RawStatus)
	if in.Total > 0 {
		cur.Total = in.Total
	}
	cur.Currency = firstNonEmpty(in.Currency, cur.Currency)
	cur.PaymentMethod = firstNonEmpty(in.PaymentMethod, cur.PaymentMethod)
	cur.UpdatedAt = in.CreatedAt
	s.orders[k] = cur
	return cur, nil
}

func (s *Store) MarkOrderDeleted(ctx context.Context, storeID, externalID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := projKey(storeID, externalID)
	if _, ok := s.orders[k]; !ok {
		return false, nil
	}
	if _, gone := s.deleted[k]; gone {
		return false, nil
	}
	s.deleted[k] = now
	return true, nil
}

func (s *Store) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// templates

func (s *Store) UpsertTemplate(ctx context.Context, t domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.CancelOn = append([]string(nil), t.CancelOn...)
	s.templates[t.ID] = t
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	return t, ok, nil
}

func (s *Store) TemplatesTriggeredBy(ctx context.Context, tenantID, event string) ([]domain.Template, error) {
	return s.filterTemplates(func(t domain.Template) bool {
		return t.TenantID == tenantID && t.Active && t.TriggerEvent == event
	}), nil
}

func (s *Store) TemplatesCancelledBy(ctx context.Context, tenantID, event string) ([]domain.Template, error) {
	return s.filterTemplates(func(t domain.Template) bool {
		return t.TenantID == tenantID && t.CancelledBy(event)
	}), nil
}

func (s *Store) filterTemplates(keep func(domain.Template) bool) []domain.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Template
	for _, t := range s.templates {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.SequenceGroup != b.SequenceGroup {
			return a.SequenceGroup < b.SequenceGroup
		}
		if a.SequenceOrder != b.SequenceOrder {
			return a.SequenceOrder < b.SequenceOrder
		}
		return a.ID < b.ID
	})
	return out
}

// scheduled sends

func (s *Store) GetSend(ctx context.Context, id string) (domain.ScheduledTemplateSend, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sends[id]
	return copySend(rec), ok, nil
}

func (s *Store) FindActiveSend(ctx context.Context, k store.SendKey) (domain.ScheduledTemplateSend, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.activeLocked(k)
	return copySend(rec), ok, nil
}

func (s *Store) activeLocked(k store.SendKey) (domain.ScheduledTemplateSend, bool) {
	for _, rec := range s.sends {
		if rec.Status.Active() && store.KeyOf(rec) == k {
			return rec, true
		}
	}
	return domain.ScheduledTemplateSend{}, false
}

func (s *Store) CountSentSince(ctx context.Context, tenantID, templateID, phone string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.sends {
		if rec.TenantID == tenantID && rec.TemplateID == templateID && rec.CustomerPhone == phone &&
			rec.Status == domain.SendSent && rec.SentAt != nil && !rec.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertSend(ctx context.Context, in domain.ScheduledTemplateSend) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sends[in.ID]; ok {
		return false, nil
	}
	if _, ok := s.activeLocked(store.KeyOf(in)); ok {
		return false, nil
	}
	in.UpdatedAt = in.CreatedAt
	s.sends[in.ID] = copySend(in)
	return true, nil
}

func (s *Store) SetSendJobID(ctx context.Context, id, jobID string, now time.Time) error {
	return s.updateSend(id, func(rec *domain.ScheduledTemplateSend) bool {
		rec.QueueJobID = jobID
		rec.UpdatedAt = now
		return true
	})
}

func (s *Store) FindPendingSends(ctx context.Context, f store.SendFilter) ([]domain.ScheduledTemplateSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledTemplateSend
	for _, rec := range s.sends {
		if rec.Status == domain.SendPending && f.Match(rec) {
			out = append(out, copySend(rec))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].ScheduledAt.Equal(out[k].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[k].ScheduledAt)
		}
		if out[i].SequenceOrder != out[k].SequenceOrder {
			return out[i].SequenceOrder < out[k].SequenceOrder
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *Store) CancelSend(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return s.transition(id, func(rec *domain.ScheduledTemplateSend) {
		rec.Status = domain.SendCancelled
		rec.CancelReason = reason
		rec.CancelledAt = &now
	}, now)
}

func (s *Store) MarkSendSent(ctx context.Context, id, messageID string, now time.Time) (bool, error) {
	return s.transition(id, func(rec *domain.ScheduledTemplateSend) {
		rec.Status = domain.SendSent
		rec.MessageID = messageID
		rec.SentAt = &now
		rec.ErrorMessage = ""
		rec.Attempts++
	}, now)
}

func (s *Store) MarkSendFailed(ctx context.Context, id, msg string, now time.Time) (bool, error) {
	return s.transition(id, func(rec *domain.ScheduledTemplateSend) {
		rec.Status = domain.SendFailed
		rec.ErrorMessage = msg
	}, now)
}

func (s *Store) RecordSendAttempt(ctx context.Context, id, msg string, now time.Time) (int, error) {
	n := 0
	err := s.updateSend(id, func(rec *domain.ScheduledTemplateSend) bool {
		if rec.Status != domain.SendPending {
			return false
		}
		rec.Attempts++
		rec.ErrorMessage = msg
		rec.UpdatedAt = now
		n = rec.Attempts
		return true
	})
	return n, err
}

// transition applies fn only when the record is still pending.
func (s *Store) transition(id string, fn func(*domain.ScheduledTemplateSend), now time.Time) (bool, error) {
	changed := false
	err := s.updateSend(id, func(rec *domain.ScheduledTemplateSend) bool {
		if rec.Status != domain.SendPending {
			return false
		}
		fn(rec)
		rec.UpdatedAt = now
		changed = true
		return true
	})
	return changed, err
}

func (s *Store) updateSend(id string, fn func(*domain.ScheduledTemplateSend) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sends[id]
	if !ok {
		return nil
	}
	if fn(&rec) {
		s.sends[id] = rec
	}
	return nil
}

// Sends returns all scheduled sends ordered by creation.
func (s *Store) Sends() []domain.ScheduledTemplateSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledTemplateSend, 0, len(s.sends))
	for _, rec := range s.sends {
		out = append(out, copySend(rec))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// SeedSent inserts a record already in the sent state, for rate limit tests.
func (s *Store) SeedSent(rec domain.ScheduledTemplateSend, sentAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = util.NewID("sts")
	}
	rec.Status = domain.SendSent
	rec.SentAt = &sentAt
	s.sends[rec.ID] = rec
}

func copySend(rec domain.ScheduledTemplateSend) domain.ScheduledTemplateSend {
	if rec.Payload == nil {
		return rec
	}
	b, err := json.Marshal(rec.Payload)
	if err != nil {
		return rec
	}
	var p map[string]any
	if json.Unmarshal(b, &p) == nil {
		rec.Payload = p
	}
	return rec
}
