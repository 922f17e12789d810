package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"rafeq/internal/webhook"
)

// DefaultMaxBody caps inbound webhook bodies.
const DefaultMaxBody = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, provider string, rawBody []byte, headers http.Header) (webhook.Result, error)
}

type Webhook struct {
	Gateway Ingester
	Guard   *webhook.IPGuard
	MaxBody int64
	Logger  *slog.Logger
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

func (wh *Webhook) Register(m *mux.Router) {
	sub := m.PathPrefix("/webhooks").Subrouter()
	if wh.Guard != nil {
		sub.Use(wh.Guard.Middleware)
	}
	sub.HandleFunc("/{provider}", wh.handleWebhook).Methods(http.MethodPost)
}

// handleWebhook answers 200 for every delivery the gateway took responsibility for,
// including internal failures, so providers do not hammer a struggling service.
// Signature, body and provider problems are the caller's and get 4xx.
func (wh *Webhook) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	limit := wh.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, ErrBadBody, http.StatusBadRequest)
		return
	}

	res, err := wh.Gateway.Ingest(r.Context(), provider, body, r.Header)
	switch {
	case errors.Is(err, webhook.ErrUnknownProvider):
		http.Error(w, ErrUnknownProvider, http.StatusNotFound)
		return
	case errors.Is(err, webhook.ErrInvalidSignature):
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	case errors.Is(err, webhook.ErrMalformedPayload):
		http.Error(w, ErrMalformed, http.StatusBadRequest)
		return
	case err != nil:
		wh.logger().Error("webhook ingest failed", "err", err, "provider", provider, "event_id", res.EventID)
		writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: "accepted with errors", EventID: res.EventID})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Success: true, Message: res.Message, JobID: res.JobID, EventID: res.EventID})
}

func (wh *Webhook) logger() *slog.Logger {
	if wh.Logger != nil {
		return wh.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
