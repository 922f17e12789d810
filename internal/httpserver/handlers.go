package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"rafeq/internal/domain"
	"rafeq/internal/webhook"
)

type EventReader interface {
	GetEvent(ctx context.Context, id string) (domain.WebhookEvent, bool, error)
	ListEventLogs(ctx context.Context, eventID string) ([]domain.WebhookLog, error)
}

type Replayer interface {
	Replay(ctx context.Context, eventID string) (webhook.Result, error)
}

type SendStore interface {
	GetSend(ctx context.Context, id string) (domain.ScheduledTemplateSend, bool, error)
	GetTemplate(ctx context.Context, id string) (domain.Template, bool, error)
	UpsertTemplate(ctx context.Context, t domain.Template) error
}

type SendCanceller interface {
	CancelPendingSends(ctx context.Context, tenantID, referenceID, reason, sequenceGroupKey string) (int, error)
}

type StoreLinker interface {
	LinkStore(ctx context.Context, st domain.Store) (domain.Store, int, error)
}

// API is the operator surface: event inspection and replay, scheduled send
// inspection and cancellation, template and store registration.
type API struct {
	Events    EventReader
	Replayer  Replayer
	Sends     SendStore
	Scheduler SendCanceller
	Stores    StoreLinker
	Logger    *slog.Logger
}

// Register mounts the admin routes under /v1 behind a bearer token.
func (a *API) Register(m *mux.Router, token string) {
	v1 := m.PathPrefix("/v1").Subrouter()
	v1.Use(AdminAuth(token))
	v1.HandleFunc("/webhook-events/{id}", a.handleGetEvent).Methods(http.MethodGet)
	v1.HandleFunc("/webhook-events/{id}/replay", a.handleReplay).Methods(http.MethodPost)
	v1.HandleFunc("/scheduled-sends/cancel", a.handleCancelSends).Methods(http.MethodPost)
	v1.HandleFunc("/scheduled-sends/{id}", a.handleGetSend).Methods(http.MethodGet)
	v1.HandleFunc("/templates/{id}", a.handleGetTemplate).Methods(http.MethodGet)
	v1.HandleFunc("/templates/{id}", a.handlePutTemplate).Methods(http.MethodPut)
	v1.HandleFunc("/stores", a.handleLinkStore).Methods(http.MethodPost)
}

type logView struct {
	Status     domain.EventStatus `json:"status"`
	Attempt    int                `json:"attempt"`
	Message    string             `json:"message,omitempty"`
	DurationMs int64              `json:"durationMs"`
	CreatedAt  time.Time          `json:"createdAt"`
}

type eventView struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenantId,omitempty"`
	StoreID           string             `json:"storeId,omitempty"`
	Provider          domain.Provider    `json:"provider"`
	EventType         domain.EventType   `json:"eventType"`
	ExternalID        string             `json:"externalId,omitempty"`
	MerchantID        string             `json:"merchantId,omitempty"`
	DeliveryID        string             `json:"deliveryId,omitempty"`
	Status            domain.EventStatus `json:"status"`
	Attempts          int                `json:"attempts"`
	SignatureVerified bool               `json:"signatureVerified"`
	Result            json.RawMessage    `json:"result,omitempty"`
	Error             string             `json:"error,omitempty"`
	RelatedEntityID   string             `json:"relatedEntityId,omitempty"`
	RelatedEntityType string             `json:"relatedEntityType,omitempty"`
	Payload           json.RawMessage    `json:"payload"`
	ProcessedAt       *time.Time         `json:"processedAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	Logs              []logView          `json:"logs"`
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, found, err := a.Events.GetEvent(r.Context(), id)
	if err != nil {
		a.logger().Error("get webhook event failed", "err", err, "event_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	logs, err := a.Events.ListEventLogs(r.Context(), id)
	if err != nil {
		a.logger().Error("list webhook logs failed", "err", err, "event_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	view := eventView{
		ID: ev.ID, TenantID: ev.TenantID, StoreID: ev.StoreID, Provider: ev.Provider, EventType: ev.EventType,
		ExternalID: ev.ExternalID, MerchantID: ev.MerchantID, DeliveryID: ev.DeliveryID, Status: ev.Status,
		Attempts: ev.Attempts, SignatureVerified: ev.SignatureVerified, Result: ev.ProcessingResult,
		Error: ev.ErrorMessage, RelatedEntityID: ev.RelatedEntityID, RelatedEntityType: ev.RelatedEntityType,
		Payload: ev.Payload, ProcessedAt: ev.ProcessedAt, CreatedAt: ev.CreatedAt, UpdatedAt: ev.UpdatedAt,
		Logs: make([]logView, 0, len(logs)),
	}
	if len(view.Result) == 0 {
		view.Result = nil
	}
	for _, l := range logs {
		view.Logs = append(view.Logs, logView{Status: l.Status, Attempt: l.Attempt, Message: l.Message, DurationMs: l.DurationMs, CreatedAt: l.CreatedAt})
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := a.Replayer.Replay(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	case errors.Is(err, webhook.ErrNotReplayable):
		http.Error(w, ErrNotReplayable, http.StatusConflict)
		return
	case err != nil:
		a.logger().Error("replay webhook event failed", "err", err, "event_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, webhookResponse{Success: true, Message: res.Message, JobID: res.JobID, EventID: res.EventID})
}

type sendView struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenantId"`
	TemplateID       string            `json:"templateId"`
	CustomerPhone    string            `json:"customerPhone"`
	ReferenceID      string            `json:"referenceId,omitempty"`
	ReferenceType    string            `json:"referenceType,omitempty"`
	TriggerEvent     string            `json:"triggerEvent"`
	SequenceGroupKey string            `json:"sequenceGroupKey,omitempty"`
	SequenceOrder    int               `json:"sequenceOrder,omitempty"`
	Status           domain.SendStatus `json:"status"`
	ScheduledAt      time.Time         `json:"scheduledAt"`
	QueueJobID       string            `json:"queueJobId,omitempty"`
	MessageID        string            `json:"messageId,omitempty"`
	SentAt           *time.Time        `json:"sentAt,omitempty"`
	CancelledAt      *time.Time        `json:"cancelledAt,omitempty"`
	CancelReason     string            `json:"cancelReason,omitempty"`
	Error            string            `json:"error,omitempty"`
	Attempts         int               `json:"attempts"`
	CreatedAt        time.Time         `json:"createdAt"`
}

func (a *API) handleGetSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, found, err := a.Sends.GetSend(r.Context(), id)
	if err != nil {
		a.logger().Error("get scheduled send failed", "err", err, "send_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sendView{
		ID: rec.ID, TenantID: rec.TenantID, TemplateID: rec.TemplateID, CustomerPhone: rec.CustomerPhone,
		ReferenceID: rec.ReferenceID, ReferenceType: rec.ReferenceType, TriggerEvent: rec.TriggerEvent,
		SequenceGroupKey: rec.SequenceGroupKey, SequenceOrder: rec.SequenceOrder, Status: rec.Status,
		ScheduledAt: rec.ScheduledAt, QueueJobID: rec.QueueJobID, MessageID: rec.MessageID, SentAt: rec.SentAt,
		CancelledAt: rec.CancelledAt, CancelReason: rec.CancelReason, Error: rec.ErrorMessage,
		Attempts: rec.Attempts, CreatedAt: rec.CreatedAt,
	})
}

type cancelRequest struct {
	TenantID         string `json:"tenantId"`
	ReferenceID      string `json:"referenceId"`
	SequenceGroupKey string `json:"sequenceGroupKey"`
	Reason           string `json:"reason"`
}

func (a *API) handleCancelSends(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || (req.ReferenceID == "" && req.SequenceGroupKey == "") {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	n, err := a.Scheduler.CancelPendingSends(r.Context(), req.TenantID, req.ReferenceID, req.Reason, req.SequenceGroupKey)
	if err != nil {
		a.logger().Error("cancel pending sends failed", "err", err, "tenant_id", req.TenantID, "reference_id", req.ReferenceID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type templateRequest struct {
	TenantID          string   `json:"tenantId"`
	Name              string   `json:"name"`
	Content           string   `json:"content"`
	ChannelID         string   `json:"channelId"`
	TriggerEvent      string   `json:"triggerEvent"`
	DelayMinutes      int      `json:"delayMinutes"`
	CancelOn          []string `json:"cancelOn"`
	MaxSendsPerPeriod int      `json:"maxSendsPerPeriod"`
	PeriodHours       int      `json:"periodHours"`
	SequenceGroup     string   `json:"sequenceGroup"`
	SequenceOrder     int      `json:"sequenceOrder"`
	Active            *bool    `json:"active"`
}

func (t templateRequest) toDomain(id string) domain.Template {
	active := true
	if t.Active != nil {
		active = *t.Active
	}
	return domain.Template{
		ID: id, TenantID: t.TenantID, Name: t.Name, Content: t.Content, ChannelID: t.ChannelID,
		TriggerEvent: strings.TrimSpace(t.TriggerEvent), DelayMinutes: t.DelayMinutes, CancelOn: t.CancelOn,
		MaxSendsPerPeriod: t.MaxSendsPerPeriod, PeriodHours: t.PeriodHours,
		SequenceGroup: t.SequenceGroup, SequenceOrder: t.SequenceOrder, Active: active,
	}
}

func (a *API) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.Content == "" || req.DelayMinutes < 0 {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	if err := a.Sends.UpsertTemplate(r.Context(), req.toDomain(id)); err != nil {
		a.logger().Error("upsert template failed", "err", err, "template_id", id, "tenant_id", req.TenantID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, found, err := a.Sends.GetTemplate(r.Context(), id)
	if err != nil {
		a.logger().Error("get template failed", "err", err, "template_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	active := t.Active
	writeJSON(w, http.StatusOK, templateRequest{
		TenantID: t.TenantID, Name: t.Name, Content: t.Content, ChannelID: t.ChannelID,
		TriggerEvent: t.TriggerEvent, DelayMinutes: t.DelayMinutes, CancelOn: t.CancelOn,
		MaxSendsPerPeriod: t.MaxSendsPerPeriod, PeriodHours: t.PeriodHours,
		SequenceGroup: t.SequenceGroup, SequenceOrder: t.SequenceOrder, Active: &active,
	})
}

type storeRequest struct {
	TenantID   string `json:"tenantId"`
	Provider   string `json:"provider"`
	MerchantID string `json:"merchantId"`
	Name       string `json:"name"`
}

// handleLinkStore registers a merchant store for a tenant and links the events
// that arrived before it.
func (a *API) handleLinkStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	provider := domain.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	if req.TenantID == "" || req.MerchantID == "" || (provider != domain.ProviderSalla && provider != domain.ProviderZid) {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	st, requeued, err := a.Stores.LinkStore(r.Context(), domain.Store{
		TenantID: req.TenantID, Provider: provider, MerchantID: req.MerchantID, Name: req.Name,
	})
	if err != nil {
		a.logger().Error("link store failed", "err", err, "tenant_id", req.TenantID, "merchant_id", req.MerchantID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"storeId": st.ID, "requeued": requeued})
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
