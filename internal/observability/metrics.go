package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every fundscope metric.
const Namespace = "fundscope"

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Download metrics
	DownloadsTotal    *prometheus.CounterVec
	DownloadDuration  *prometheus.HistogramVec
	DownloadBytes     *prometheus.CounterVec
	DownloadsInFlight prometheus.Gauge
	CacheHits         *prometheus.CounterVec
	FallbackFetches   *prometheus.CounterVec

	// Query metrics
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	PartitionsScanned *prometheus.CounterVec
	PartitionsPruned  *prometheus.CounterVec

	// Mirror metrics
	MirrorObjects *prometheus.CounterVec

	registry prometheus.Gatherer
}

// NewMetrics registers the collectors on reg. A nil reg uses a fresh
// registry so repeated calls never collide.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		DownloadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "downloads_total",
				Help:      "Download tasks by dataset and terminal status",
			},
			[]string{"dataset", "status"},
		),
		DownloadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "download_duration_seconds",
				Help:      "Duration of download tasks",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"dataset", "status"},
		),
		DownloadBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes written to the dataset store",
			},
			[]string{"dataset"},
		),
		DownloadsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "downloads_in_flight",
				Help:      "Download tasks holding a concurrency permit",
			},
		),
		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "fetch_not_modified_total",
				Help:      "Conditional fetches answered with 304 Not Modified",
			},
			[]string{"dataset"},
		),
		FallbackFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "fallback_fetches_total",
				Help:      "Historical archive fetches after a primary failure",
			},
			[]string{"dataset", "status"},
		),
		QueriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "queries_total",
				Help:      "Engine requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		QueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "query_duration_seconds",
				Help:      "Duration of engine requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		PartitionsScanned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "partitions_scanned_total",
				Help:      "CSV partitions read by queries",
			},
			[]string{"dataset"},
		),
		PartitionsPruned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "partitions_pruned_total",
				Help:      "CSV partitions skipped by bloom filter pruning",
			},
			[]string{"dataset"},
		),
		MirrorObjects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "mirror_objects_total",
				Help:      "Objects transferred by the mirror",
			},
			[]string{"direction"},
		),
		registry: reg,
	}
}

// Gatherer returns the registry the collectors are registered on.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

// StartServer serves /metrics and /health on address. It blocks.
func (m *Metrics) StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return http.ListenAndServe(address, mux)
}

// ObserveDownload records a terminal download task.
func (m *Metrics) ObserveDownload(dataset, status string, seconds float64, bytes int64) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(dataset, status).Inc()
	m.DownloadDuration.WithLabelValues(dataset, status).Observe(seconds)
	if bytes > 0 {
		m.DownloadBytes.WithLabelValues(dataset).Add(float64(bytes))
	}
}

func (m *Metrics) IncNotModified(dataset string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(dataset).Inc()
}

func (m *Metrics) IncFallback(dataset, status string) {
	if m == nil {
		return
	}
	m.FallbackFetches.WithLabelValues(dataset, status).Inc()
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Add(delta)
}

// ObserveQuery records one engine request.
func (m *Metrics) ObserveQuery(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(kind, outcome).Inc()
	m.QueryDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) AddPartitions(dataset string, scanned, pruned int) {
	if m == nil {
		return
	}
	m.PartitionsScanned.WithLabelValues(dataset).Add(float64(scanned))
	m.PartitionsPruned.WithLabelValues(dataset).Add(float64(pruned))
}

func (m *Metrics) IncMirror(direction string) {
	if m == nil {
		return
	}
	m.MirrorObjects.WithLabelValues(direction).Inc()
}
