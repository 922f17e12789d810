// Command mock-provider stands in for both ends of the service during local runs:
// it serves the outbound message gateway API the send worker calls, and it posts
// signed store webhooks to the ingestion API on demand.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"rafeq/internal/httpserver"
	"rafeq/internal/logging"
	"rafeq/internal/webhook"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8090"`
	Token       string  `envconfig:"GATEWAY_TOKEN" default:"mock_token"`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"` // fixed | round_robin | weighted | random
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`

	// Webhook simulation
	WebhookURL         string `envconfig:"MOCK_WEBHOOK_URL" default:"http://localhost:8080/webhooks"`
	SallaSecret        string `envconfig:"SALLA_WEBHOOK_SECRET" default:"salla-secret"`
	ZidSecret          string `envconfig:"ZID_WEBHOOK_SECRET" default:"zid-secret"`
	WebhookMaxRetries  int    `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBaseMs int    `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	WebhookRetryMaxMs  int    `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`

	Outcomes []string
}

type sendRequest struct {
	ChannelID string `json:"channel_id"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type server struct {
	cfg     config
	idx     uint64
	seq     uint64
	rng     *rand.Rand
	rngMu   sync.Mutex
	client  *http.Client
	secrets map[string]webhook.Provider
}

func main() {
	cfg := loadConfig()
	logger := logging.Init("mock-provider", "json", "info")

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		secrets: map[string]webhook.Provider{
			"salla": webhook.Salla(cfg.SallaSecret),
			"zid":   webhook.Zid(cfg.ZidSecret),
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/messages", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/simulate/{provider}", s.handleSimulate).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(logger)(router)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	return cfg
}

// handleSend mimics the message gateway: bearer auth, JSON body, a message id on
// success and the configured failure otherwise.
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
		writeJSON(w, http.StatusUnauthorized, sendResponse{Status: "failed", Message: "authentication error"})
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, sendResponse{Status: "failed", Message: "missing required parameter"})
		return
	}
	if s.cfg.DelayMs > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(time.Duration(s.cfg.DelayMs) * time.Millisecond):
		}
	}

	httpStatus, callErr := classifyOutcome(s.nextOutcome())
	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			// Hold the connection past the client's timeout.
			select {
			case <-r.Context().Done():
			case <-time.After(15 * time.Second):
			}
			return
		}
		writeJSON(w, httpStatus, sendResponse{Status: "failed", Message: callErr.Error()})
		return
	}
	id := fmt.Sprintf("msg_%06d", atomic.AddUint64(&s.seq, 1))
	slog.Info("mock message accepted", "message_id", id, "to", req.To, "channel_id", req.ChannelID)
	writeJSON(w, http.StatusCreated, sendResponse{MessageID: id, Status: "queued"})
}

// handleSimulate signs the request body with the provider's secret and posts it
// to the ingestion API, retrying like a real store platform would.
func (s *server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	p, ok := s.secrets[name]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil || buf.Len() == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	url := strings.TrimRight(s.cfg.WebhookURL, "/") + "/" + name
	status, err := s.postWebhookWithRetry(r.Context(), url, p, buf.Bytes())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": status, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *server) postWebhookWithRetry(ctx context.Context, url string, p webhook.Provider, body []byte) (int, error) {
	maxAttempts := s.cfg.WebhookMaxRetries + 1
	delivery := fmt.Sprintf("dlv_%d", time.Now().UnixNano())

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(p.SignatureHeader, "sha256="+webhook.Sign(body, p.Secret))
		req.Header.Set(p.DeliveryHeader, delivery)

		resp, err := s.client.Do(req)
		status := 0
		retryAfter := time.Duration(0)
		if resp != nil {
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return status, nil
		}
		if attempt == maxAttempts-1 {
			if err != nil {
				return status, err
			}
			return status, fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			return status, fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock webhook post retrying", "url", url, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(wait):
		}
	}
	return 0, nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	base := time.Duration(s.cfg.WebhookRetryBaseMs) * time.Millisecond
	ceiling := time.Duration(s.cfg.WebhookRetryMaxMs) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	wait := base * time.Duration(1<<attempt)
	if wait > ceiling {
		wait = ceiling
	}
	// +/- 20% jitter
	delta := int64(wait) / 5
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Outcomes[i]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	}
	return s.cfg.Outcomes[0]
}

func classifyOutcome(kind string) (int, error) {
	switch strings.TrimSpace(kind) {
	case "", "ok", "success":
		return http.StatusCreated, nil
	case "rate_limit", "429":
		return http.StatusTooManyRequests, errors.New("rate limited")
	case "bad_request", "400":
		return http.StatusBadRequest, errors.New("bad request")
	case "server_error", "500":
		return http.StatusInternalServerError, errors.New("server error")
	case "timeout":
		return http.StatusGatewayTimeout, context.DeadlineExceeded
	}
	return http.StatusInternalServerError, errors.New("mock error: " + kind)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
