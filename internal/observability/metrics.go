package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the sink components record into. It is passed to each component
// rather than reached through package globals.
type Metrics interface {
	// Inc adds one to counter name with the given label values.
	Inc(name string, labels ...string)
	// Observe records a duration on histogram name.
	Observe(name string, d time.Duration, labels ...string)
	// Set sets gauge name.
	Set(name string, v float64, labels ...string)
}

// Metric names. Label keys are listed in the Prometheus definitions below.
const (
	HTTPRequests     = "rafeq_http_requests_total"
	WebhooksReceived = "rafeq_webhooks_received_total"
	EventsProcessed  = "rafeq_events_processed_total"
	EventDuration    = "rafeq_event_processing_seconds"
	JobsFinished     = "rafeq_jobs_total"
	SendsScheduled   = "rafeq_sends_scheduled_total"
	SendsCancelled   = "rafeq_sends_cancelled_total"
	SendsFinished    = "rafeq_sends_total"
	SendLatency      = "rafeq_send_latency_seconds"
	StatusUnmatched  = "rafeq_status_unmatched_total"
	QueueDepth       = "rafeq_queue_depth"
)

// Nop discards everything.
type Nop struct{}

func (Nop) Inc(string, ...string)                    {}
func (Nop) Observe(string, time.Duration, ...string) {}
func (Nop) Set(string, float64, ...string)           {}

// OrNop returns m, or Nop when m is nil.
func OrNop(m Metrics) Metrics {
	if m == nil {
		return Nop{}
	}
	return m
}

// Prometheus records into client_golang collectors registered on one registry.
// Unknown names are ignored.
type Prometheus struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		counters: map[string]*prometheus.CounterVec{
			HTTPRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: HTTPRequests, Help: "HTTP requests"},
				[]string{"endpoint", "status"},
			),
			WebhooksReceived: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: WebhooksReceived, Help: "Inbound webhooks by outcome"},
				[]string{"provider", "outcome"},
			),
			EventsProcessed: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: EventsProcessed, Help: "Processed webhook events"},
				[]string{"event_type", "outcome"},
			),
			JobsFinished: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: JobsFinished, Help: "Queue jobs by result"},
				[]string{"queue", "result"},
			),
			SendsScheduled: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: SendsScheduled, Help: "Schedule requests by outcome"},
				[]string{"outcome"},
			),
			SendsCancelled: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: SendsCancelled, Help: "Cancelled scheduled sends"},
				[]string{"reason"},
			),
			SendsFinished: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: SendsFinished, Help: "Delayed send outcomes"},
				[]string{"result"},
			),
			StatusUnmatched: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: StatusUnmatched, Help: "Raw statuses that fell back to the default"},
				[]string{},
			),
		},
		histograms: map[string]*prometheus.HistogramVec{
			EventDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Name: EventDuration, Help: "Event processing latency"},
				[]string{"event_type"},
			),
			SendLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Name: SendLatency, Help: "Transport send latency"},
				[]string{},
			),
		},
		gauges: map[string]*prometheus.GaugeVec{
			QueueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{Name: QueueDepth, Help: "Jobs per queue state"},
				[]string{"queue", "state"},
			),
		},
	}
	for _, c := range p.counters {
		reg.MustRegister(c)
	}
	for _, h := range p.histograms {
		reg.MustRegister(h)
	}
	for _, g := range p.gauges {
		reg.MustRegister(g)
	}
	return p
}

func (p *Prometheus) Inc(name string, labels ...string) {
	if c, ok := p.counters[name]; ok {
		if m, err := c.GetMetricWithLabelValues(labels...); err == nil {
			m.Inc()
		}
	}
}

func (p *Prometheus) Observe(name string, d time.Duration, labels ...string) {
	if h, ok := p.histograms[name]; ok {
		if m, err := h.GetMetricWithLabelValues(labels...); err == nil {
			m.Observe(d.Seconds())
		}
	}
}

func (p *Prometheus) Set(name string, v float64, labels ...string) {
	if g, ok := p.gauges[name]; ok {
		if m, err := g.GetMetricWithLabelValues(labels...); err == nil {
			m.Set(v)
		}
	}
}
