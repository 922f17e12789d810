package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type EventStatus string

const (
	EventPending      EventStatus = "pending"
	EventProcessing   EventStatus = "processing"
	EventProcessed    EventStatus = "processed"
	EventFailed       EventStatus = "failed"
	EventSkipped      EventStatus = "skipped"
	EventRetryPending EventStatus = "retry_pending"
)

// Provider identifies the e-commerce platform that sent a webhook.
type Provider string

const (
	ProviderSalla Provider = "salla"
	ProviderZid   Provider = "zid"
)

// WebhookEvent is the durable record of one inbound delivery. Rows are never deleted.
type WebhookEvent struct {
	ID                string
	TenantID          string
	StoreID           string
	Provider          Provider
	EventType         EventType
	ExternalID        string
	MerchantID        string
	DeliveryID        string
	IdempotencyKey    string
	Payload           json.RawMessage
	Headers           map[string]string
	Status            EventStatus
	Attempts          int
	SignatureVerified bool
	ProcessingResult  json.RawMessage
	ErrorMessage      string
	RelatedEntityID   string
	RelatedEntityType string
	ProcessedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WebhookLog is an append-only audit row, one per transition or attempt.
type WebhookLog struct {
	ID         string
	EventID    string
	Status     EventStatus
	Attempt    int
	Message    string
	DurationMs int64
	CreatedAt  time.Time
}

type SendStatus string

const (
	SendPending   SendStatus = "pending"
	SendSent      SendStatus = "sent"
	SendCancelled SendStatus = "cancelled"
	SendFailed    SendStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s SendStatus) Terminal() bool {
	return s == SendSent || s == SendCancelled || s == SendFailed
}

// Active reports whether the status blocks a new send for the same tuple.
func (s SendStatus) Active() bool {
	return s == SendPending || s == SendSent
}

type ScheduledTemplateSend struct {
	ID               string
	TenantID         string
	TemplateID       string
	CustomerPhone    string
	ReferenceID      string
	ReferenceType    string
	TriggerEvent     string
	SequenceGroupKey string
	SequenceOrder    int
	Status           SendStatus
	ScheduledAt      time.Time
	Payload          map[string]any
	QueueJobID       string
	MessageID        string
	SentAt           *time.Time
	CancelledAt      *time.Time
	CancelReason     string
	ErrorMessage     string
	Attempts         int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Template is a tenant message template together with its notification settings.
type Template struct {
	ID                string
	TenantID          string
	Name              string
	Content           string
	ChannelID         string
	TriggerEvent      string
	DelayMinutes      int
	CancelOn          []string
	MaxSendsPerPeriod int
	PeriodHours       int
	SequenceGroup     string
	SequenceOrder     int
	Active            bool
}

// CancelledBy reports whether event is in the template's cancel-on set.
func (t Template) CancelledBy(event string) bool {
	for _, name := range t.CancelOn {
		if name == event {
			return true
		}
	}
	return false
}

// Store links a provider merchant to an owning tenant.
type Store struct {
	ID           string
	TenantID     string
	Provider     Provider
	MerchantID   string
	Name         string
	Active       bool
	AuthorizedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Customer struct {
	ID         string
	TenantID   string
	StoreID    string
	ExternalID string
	Name       string
	Phone      string
	Email      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Order struct {
	ID            string
	TenantID      string
	StoreID       string
	ExternalID    string
	ReferenceID   string
	CustomerID    string
	CustomerPhone string
	Status        OrderStatus
	RawStatus     string
	Total         float64
	Currency      string
	PaymentMethod string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid status transition")
)
