// Package eventbus is an in-process publish/subscribe bus for domain events.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Event is a normalized domain event. Name is the notification trigger
// (order.created, order.status.paid, ...).
type Event struct {
	Name       string
	TenantID   string
	StoreID    string
	EventID    string
	OccurredAt time.Time

	ReferenceID   string
	ReferenceType string
	CustomerPhone string
	CustomerName  string

	// Fields holds derived values (canonical status, order total, ...).
	Fields map[string]any
	// Raw is the provider payload the event was derived from.
	Raw json.RawMessage
}

// Vars flattens the event into template variables.
func (e Event) Vars() map[string]any {
	out := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	if e.ReferenceID != "" {
		out["reference_id"] = e.ReferenceID
	}
	if e.CustomerPhone != "" {
		out["customer_phone"] = e.CustomerPhone
	}
	if e.CustomerName != "" {
		out["customer_name"] = e.CustomerName
	}
	out["event"] = e.Name
	return out
}

type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers events synchronously, in subscription order. A failing or panicking
// handler is logged and does not stop delivery to the others.
type Bus struct {
	Logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]subscription
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{Logger: logger, subs: make(map[string][]subscription)}
}

// On registers handler for name, or for every event when name is Wildcard.
// sub names the subscriber in logs.
func (b *Bus) On(name, sub string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string][]subscription)
	}
	b.subs[name] = append(b.subs[name], subscription{name: sub, handler: handler})
}

// Emit returns the number of handlers that failed.
func (b *Bus) Emit(ctx context.Context, ev Event) int {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[ev.Name])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[ev.Name]...)
	if ev.Name != Wildcard {
		targets = append(targets, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	failed := 0
	for _, s := range targets {
		if err := b.deliver(ctx, s, ev); err != nil {
			failed++
			b.logger().Error("event handler failed",
				"err", err,
				"event", ev.Name,
				"subscriber", s.name,
				"event_id", ev.EventID,
				"tenant_id", ev.TenantID,
			)
		}
	}
	return failed
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

func (b *Bus) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
