package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitDeliversToNamedAndWildcard(t *testing.T) {
	b := New(nil)
	var got []string
	b.On("order.created", "a", func(ctx context.Context, ev Event) error {
		got = append(got, "a:"+ev.Name)
		return nil
	})
	b.On(Wildcard, "all", func(ctx context.Context, ev Event) error {
		got = append(got, "all:"+ev.Name)
		return nil
	})
	b.On("order.status.paid", "b", func(ctx context.Context, ev Event) error {
		got = append(got, "b:"+ev.Name)
		return nil
	})

	assert.Equal(t, 0, b.Emit(context.Background(), Event{Name: "order.created"}))
	assert.Equal(t, []string{"a:order.created", "all:order.created"}, got)
}

func TestEmitIsolatesFailures(t *testing.T) {
	b := New(nil)
	calls := 0
	b.On("x", "fails", func(ctx context.Context, ev Event) error { return errors.New("boom") })
	b.On("x", "panics", func(ctx context.Context, ev Event) error { panic("bad") })
	b.On("x", "ok", func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})

	assert.Equal(t, 2, b.Emit(context.Background(), Event{Name: "x"}))
	assert.Equal(t, 1, calls)
}

func TestEmitWithoutSubscribers(t *testing.T) {
	var b Bus
	assert.Equal(t, 0, b.Emit(context.Background(), Event{Name: "nothing"}))
}

func TestVars(t *testing.T) {
	ev := Event{
		Name:          "order.status.paid",
		ReferenceID:   "1001",
		CustomerPhone: "+966501234567",
		Fields:        map[string]any{"status": "paid"},
	}
	v := ev.Vars()
	assert.Equal(t, "1001", v["reference_id"])
	assert.Equal(t, "+966501234567", v["customer_phone"])
	assert.Equal(t, "paid", v["status"])
	assert.Equal(t, "order.status.paid", v["event"])
	_, hasName := v["customer_name"]
	assert.False(t, hasName)
}
