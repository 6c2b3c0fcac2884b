package relay

import (
	"time"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "op_relay"

type Metricer interface {
	RecordInfo(version string, mode Mode)
	RecordHTTPRequest(code int)
	RecordSubmission(mode Mode, outcome string, elapsed time.Duration)
}

type Metrics struct {
	registry *prometheus.Registry
	factory  opmetrics.Factory

	info            *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	submissionDelay *prometheus.HistogramVec
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := opmetrics.NewRegistry()
	factory := opmetrics.With(registry)
	return &Metrics{
		registry: registry,
		factory:  factory,
		info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and submission mode",
		}, []string{"version", "mode"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by status code",
		}, []string{"code"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "submissions_total",
			Help:      "Relay submissions by path and outcome",
		}, []string{"mode", "outcome"}),
		submissionDelay: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "submission_duration_seconds",
			Help:      "Time spent in the submission path, validation excluded",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"mode"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordInfo(version string, mode Mode) {
	m.info.WithLabelValues(version, string(mode)).Set(1)
}

func (m *Metrics) RecordHTTPRequest(code int) {
	m.httpRequests.WithLabelValues(httpCodeLabel(code)).Inc()
}

func (m *Metrics) RecordSubmission(mode Mode, outcome string, elapsed time.Duration) {
	m.submissions.WithLabelValues(string(mode), outcome).Inc()
	if elapsed > 0 {
		m.submissionDelay.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
	}
}

func httpCodeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200 && code < 300:
		return "2xx"
	}
	return "other"
}

type noopMetrics struct{}

var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordInfo(string, Mode) {}

func (noopMetrics) RecordHTTPRequest(int) {}

func (noopMetrics) RecordSubmission(Mode, string, time.Duration) {}
