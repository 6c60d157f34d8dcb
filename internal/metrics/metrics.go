// Package metrics exposes Prometheus instruments for the file store.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Expiry triggers
const (
	TriggerScheduler = "scheduler"
	TriggerLookup    = "lookup"
	TriggerStartup   = "startup"
	TriggerManual    = "manual"
)

// Metrics holds the collectors registered for one process
type Metrics struct {
	uploads      *prometheus.CounterVec
	downloads    *prometheus.CounterVec
	expirations  *prometheus.CounterVec
	requestCount *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "files_uploads_total",
				Help: "Uploads by outcome.",
			},
			[]string{"outcome"},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "files_downloads_total",
				Help: "Retrieval attempts by outcome.",
			},
			[]string{"outcome"},
		),
		expirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "files_expired_total",
				Help: "Files removed after their retention window, by trigger.",
			},
			[]string{"trigger"},
		),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests processed.",
			},
			[]string{"method", "path", "status"},
		),
	}

	for _, c := range []prometheus.Collector{m.uploads, m.downloads, m.expirations, m.requestCount} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RegisterActiveFiles exposes a gauge reading the live file count from count
func RegisterActiveFiles(reg prometheus.Registerer, count func() int) error {
	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "files_active",
			Help: "Files currently retrievable.",
		},
		func() float64 { return float64(count()) },
	))
}

func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Download(outcome string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Expired(trigger string) {
	if m == nil {
		return
	}
	m.expirations.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Request(method, path, status string) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(method, path, status).Inc()
}
