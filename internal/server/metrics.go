package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"secure-file-share/internal/storage"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	uploads        prometheus.Counter
	uploadBytes    prometheus.Counter
	uploadErrors   prometheus.Counter
	downloads      *prometheus.CounterVec
	downloadBytes  prometheus.Counter
	downloadErrors prometheus.Counter
	verdicts       *prometheus.CounterVec
	grants         prometheus.Counter
	links          *prometheus.CounterVec
	logins         *prometheus.CounterVec
	auditDrops     prometheus.Counter
}

func NewMetrics() *Metrics {
	const ns = "sfs"
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "http_requests_total", Help: "HTTP requests by status class.",
		}, []string{"class"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "uploads_total", Help: "Files stored.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "upload_bytes_total", Help: "Bytes stored.",
		}),
		uploadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "upload_errors_total", Help: "Rejected or failed uploads.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "downloads_total", Help: "Completed downloads by access path and role.",
		}, []string{"path", "role"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "download_bytes_total", Help: "Bytes streamed to clients.",
		}),
		downloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "download_errors_total", Help: "Downloads that failed in storage or mid-stream.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "access_decisions_total", Help: "Access decisions by path and result.",
		}, []string{"path", "result"}),
		grants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "grants_issued_total", Help: "Per-user grants written.",
		}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "share_links_total", Help: "Share-link requests by outcome.",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "login_attempts_total", Help: "Login attempts by result.",
		}, []string{"result"}),
		auditDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "audit_events_dropped_total", Help: "Audit events dropped on a full buffer or sink error.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.uploads, m.uploadBytes, m.uploadErrors,
		m.downloads, m.downloadBytes, m.downloadErrors, m.verdicts,
		m.grants, m.links, m.logins, m.auditDrops,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WatchBreaker exports the breaker's state (0 closed, 1 open, 2 half-open).
// Calling it twice for the same registry panics.
func (m *Metrics) WatchBreaker(cb *storage.CircuitBreaker) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sfs", Name: "storage_breaker_state", Help: "Storage circuit breaker state.",
	}, func() float64 { return float64(cb.State()) }))
}

func (m *Metrics) RecordRequest(status int) {
	m.requests.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}

func (m *Metrics) RecordUpload(bytes int64) {
	m.uploads.Inc()
	m.uploadBytes.Add(float64(bytes))
}

func (m *Metrics) RecordUploadError() { m.uploadErrors.Inc() }

func (m *Metrics) RecordDownload(path, role string, bytes int64) {
	m.downloads.WithLabelValues(path, role).Inc()
	m.downloadBytes.Add(float64(bytes))
}

func (m *Metrics) RecordDownloadError() { m.downloadErrors.Inc() }

func (m *Metrics) RecordVerdict(path, result string) {
	m.verdicts.WithLabelValues(path, result).Inc()
}

func (m *Metrics) RecordGrants(n int) { m.grants.Add(float64(n)) }

func (m *Metrics) RecordLink(outcome string) { m.links.WithLabelValues(outcome).Inc() }

func (m *Metrics) RecordLogin(result string) { m.logins.WithLabelValues(result).Inc() }

// AuditDropped is used as the audit recorder's drop hook.
func (m *Metrics) AuditDropped() { m.auditDrops.Inc() }
