package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafeq/internal/domain"
	"rafeq/internal/store"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestInsertEventDedupesOnKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.InsertEvent(ctx, domain.WebhookEvent{ID: "e1", IdempotencyKey: "k", Status: domain.EventPending, CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertEvent(ctx, domain.WebhookEvent{ID: "e2", IdempotencyKey: "k", Status: domain.EventPending, CreatedAt: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	ev, found, err := s.FindEventByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "e1", ev.ID)
}

func TestClaimEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.InsertEvent(ctx, domain.WebhookEvent{ID: "e1", Status: domain.EventPending, CreatedAt: t0})

	ok, _ := s.ClaimEvent(ctx, "e1", t0, time.Minute)
	assert.True(t, ok)
	ok, _ = s.ClaimEvent(ctx, "e1", t0.Add(30*time.Second), time.Minute)
	assert.False(t, ok, "fresh processing lease")
	ok, _ = s.ClaimEvent(ctx, "e1", t0.Add(2*time.Minute), time.Minute)
	assert.True(t, ok, "stale processing lease")

	require.NoError(t, s.CompleteEvent(ctx, store.EventCompletion{ID: "e1", Status: domain.EventProcessed, Now: t0}))
	ok, _ = s.ClaimEvent(ctx, "e1", t0.Add(time.Hour), time.Minute)
	assert.False(t, ok, "processed events are final")
}

func TestLinkOrphanEvents(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.InsertEvent(ctx, domain.WebhookEvent{ID: "e1", Provider: domain.ProviderSalla, MerchantID: "m1", Status: domain.EventSkipped})
	_, _ = s.InsertEvent(ctx, domain.WebhookEvent{ID: "e2", Provider: domain.ProviderSalla, MerchantID: "m1", Status: domain.EventPending})
	_, _ = s.InsertEvent(ctx, domain.WebhookEvent{ID: "e3", Provider: domain.ProviderSalla, MerchantID: "m2", Status: domain.EventSkipped})

	skipped, err := s.LinkOrphanEvents(ctx, store.OrphanLink{Provider: domain.ProviderSalla, MerchantID: "m1", TenantID: "t1", StoreID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, skipped)

	e2, _, _ := s.GetEvent(ctx, "e2")
	assert.Equal(t, "t1", e2.TenantID)
	e3, _, _ := s.GetEvent(ctx, "e3")
	assert.Empty(t, e3.TenantID)
}

func TestUpsertOrderKeepsFieldsAndOverwritesStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertOrder(ctx, domain.Order{ID: "o1", StoreID: "s1", ExternalID: "100", Status: domain.OrderCreated, Total: 50, CustomerPhone: "+966501234567"})
	require.NoError(t, err)
	o, err := s.UpsertOrder(ctx, domain.Order{ID: "o2", StoreID: "s1", ExternalID: "100", Status: domain.OrderPaid})
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)
	assert.Equal(t, domain.OrderPaid, o.Status)
	assert.Equal(t, 50.0, o.Total)
	assert.Equal(t, "+966501234567", o.CustomerPhone)
	assert.Len(t, s.Orders(), 1)
}

func TestInsertSendEnforcesOneActivePerTuple(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := domain.ScheduledTemplateSend{ID: "a", TenantID: "t", TemplateID: "tpl", CustomerPhone: "+966501234567", ReferenceID: "1", Status: domain.SendPending, CreatedAt: t0}

	ok, _ := s.InsertSend(ctx, rec)
	assert.True(t, ok)
	rec.ID = "b"
	ok, _ = s.InsertSend(ctx, rec)
	assert.False(t, ok)

	changed, _ := s.CancelSend(ctx, "a", "test", t0)
	assert.True(t, changed)
	ok, _ = s.InsertSend(ctx, rec)
	assert.True(t, ok, "cancelled records do not block")
}

func TestTransitionsAreGuarded(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.InsertSend(ctx, domain.ScheduledTemplateSend{ID: "a", TenantID: "t", Status: domain.SendPending})

	changed, _ := s.MarkSendSent(ctx, "a", "msg-1", t0)
	assert.True(t, changed)
	changed, _ = s.CancelSend(ctx, "a", "late", t0)
	assert.False(t, changed)
	changed, _ = s.MarkSendFailed(ctx, "a", "late", t0)
	assert.False(t, changed)
	n, _ := s.RecordSendAttempt(ctx, "a", "late", t0)
	assert.Equal(t, 0, n)

	rec, _, _ := s.GetSend(ctx, "a")
	assert.Equal(t, domain.SendSent, rec.Status)
	assert.Equal(t, "msg-1", rec.MessageID)
}

func TestFindPendingSends(t *testing.T) {
	s := New()
	ctx := context.Background()
	add := func(id, tpl, phone, ref, group string) {
		_, _ = s.InsertSend(ctx, domain.ScheduledTemplateSend{ID: id, TenantID: "t", TemplateID: tpl, CustomerPhone: phone, ReferenceID: ref, SequenceGroupKey: group, Status: domain.SendPending})
	}
	add("1", "cart1", "+1", "", "cart:+1")
	add("2", "cart2", "+1", "", "cart:+1")
	add("3", "cart1", "+2", "", "cart:+2")
	add("4", "review", "+1", "900", "")

	got, _ := s.FindPendingSends(ctx, store.SendFilter{TenantID: "t", SequenceGroupKey: "cart:+1"})
	assert.Len(t, got, 2)

	got, _ = s.FindPendingSends(ctx, store.SendFilter{TenantID: "t", Phone: "+1", TemplateIDs: []string{"cart1", "cart2"}})
	assert.Len(t, got, 2)

	got, _ = s.FindPendingSends(ctx, store.SendFilter{TenantID: "t", ReferenceID: "900"})
	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].ID)

	got, _ = s.FindPendingSends(ctx, store.SendFilter{TenantID: "t"})
	assert.Empty(t, got)
}

func TestCountSentSince(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := domain.ScheduledTemplateSend{TenantID: "t", TemplateID: "tpl", CustomerPhone: "+1"}
	s.SeedSent(base, t0.Add(-2*time.Hour))
	s.SeedSent(base, t0.Add(-30*time.Hour))

	n, err := s.CountSentSince(ctx, "t", "tpl", "+1", t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
