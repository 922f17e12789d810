//go:build integration
// +build integration

package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafeq/internal/domain"
	"rafeq/internal/store"
)

func TestEventIdempotencyAndClaim(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC().Truncate(time.Microsecond)

	ev := domain.WebhookEvent{
		ID: "evt_1", Provider: domain.ProviderSalla, EventType: domain.EventOrderCreated,
		MerchantID: "12345", IdempotencyKey: "key-1", Payload: json.RawMessage(`{"event":"order.created"}`),
		Headers: map[string]string{"x-salla-signature": "abc"}, Status: domain.EventPending, CreatedAt: now,
	}
	ok, err := s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ev.ID = "evt_2"
	ok, err = s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate idempotency key")

	got, found, err := s.FindEventByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "evt_1", got.ID)
	assert.Equal(t, "abc", got.Headers["x-salla-signature"])

	claimed, err := s.ClaimEvent(ctx, "evt_1", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.ClaimEvent(ctx, "evt_1", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	n, err := s.FailEvent(ctx, store.EventFailure{ID: "evt_1", Status: domain.EventRetryPending, Error: "db", Now: now})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.InsertEventLog(ctx, domain.WebhookLog{ID: "log_1", EventID: "evt_1", Status: domain.EventRetryPending, Attempt: 1, CreatedAt: now}))
	logs, err := s.ListEventLogs(ctx, "evt_1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestOrphanLinking(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC()

	_, err := s.InsertEvent(ctx, domain.WebhookEvent{ID: "evt_o", Provider: domain.ProviderZid, EventType: domain.EventOrderCreated,
		MerchantID: "m9", Payload: json.RawMessage(`{}`), Status: domain.EventSkipped, CreatedAt: now})
	require.NoError(t, err)

	st, err := s.UpsertStore(ctx, domain.Store{ID: "sto_1", TenantID: "t1", Provider: domain.ProviderZid, MerchantID: "m9", Active: true, CreatedAt: now})
	require.NoError(t, err)

	ids, err := s.LinkOrphanEvents(ctx, store.OrphanLink{Provider: domain.ProviderZid, MerchantID: "m9", TenantID: "t1", StoreID: st.ID, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_o"}, ids)
}

func TestScheduledSendUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC()

	require.NoError(t, s.UpsertTemplate(ctx, domain.Template{ID: "tpl_1", TenantID: "t1", Name: "cart", Content: "hi",
		TriggerEvent: "abandoned.cart", CancelOn: []string{"order.created"}, Active: true}))

	rec := domain.ScheduledTemplateSend{ID: "sts_1", TenantID: "t1", TemplateID: "tpl_1", CustomerPhone: "+966501234567",
		TriggerEvent: "abandoned.cart", Status: domain.SendPending, ScheduledAt: now.Add(time.Hour), CreatedAt: now,
		Payload: map[string]any{"name": "Sara"}}
	ok, err := s.InsertSend(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	rec.ID = "sts_2"
	ok, err = s.InsertSend(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok, "unique active index")

	tpls, err := s.TemplatesCancelledBy(ctx, "t1", "order.created")
	require.NoError(t, err)
	require.Len(t, tpls, 1)

	pending, err := s.FindPendingSends(ctx, store.SendFilter{TenantID: "t1", Phone: "+966501234567", TemplateIDs: []string{"tpl_1"}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Sara", pending[0].Payload["name"])

	changed, err := s.CancelSend(ctx, "sts_1", "customer completed order", now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.MarkSendSent(ctx, "sts_1", "m", now)
	require.NoError(t, err)
	assert.False(t, changed, "cancelled is terminal")
}

func TestFindPendingSendsScoping(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC()
	phone := "+966501234567"

	add := func(id, tpl, ref, refType, group string) {
		ok, err := s.InsertSend(ctx, domain.ScheduledTemplateSend{ID: id, TenantID: "t1", TemplateID: tpl, CustomerPhone: phone,
			ReferenceID: ref, ReferenceType: refType, SequenceGroupKey: group, TriggerEvent: "x", Status: domain.SendPending,
			ScheduledAt: now.Add(time.Hour), CreatedAt: now})
		require.NoError(t, err)
		require.True(t, ok)
	}
	add("sts_review", "tpl_review", "R-1", "order", "review:"+phone)
	add("sts_upsell", "tpl_upsell", "R-1", "order", "upsell:"+phone)
	add("sts_b", "tpl_follow", "B", "order", "")
	add("sts_cart", "tpl_cart", "555", "cart", "")

	ids := func(f store.SendFilter) []string {
		recs, err := s.FindPendingSends(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"sts_review"}, ids(store.SendFilter{TenantID: "t1", ReferenceID: "R-1", SequenceGroupKey: "review:" + phone}))
	assert.ElementsMatch(t, []string{"sts_review", "sts_upsell"}, ids(store.SendFilter{TenantID: "t1", ReferenceID: "R-1"}))
	assert.ElementsMatch(t, []string{"sts_cart"}, ids(store.SendFilter{TenantID: "t1", ReferenceID: "A", ReferenceType: "order", Phone: phone}))
	assert.Len(t, ids(store.SendFilter{TenantID: "t1", Phone: phone}), 4)
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	dbDSN, err := withSearchPath(dsn, schema)
	require.NoError(t, err)
	db, err := NewPool(context.Background(), dbDSN, PoolOptions{})
	require.NoError(t, err)

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err)
	_, err = db.Exec(context.Background(), string(sqlBytes))
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})
	return db
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
