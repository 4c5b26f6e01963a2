package dropwatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides low-cardinality Prometheus metrics for the ingestion
// pipeline.
//
// Per-TLD labels are acceptable: the tracked TLD population is small and
// admin-controlled. Metrics MUST NOT be labeled by date, label, or watchlist.
type Metrics struct {
	bytesDownloaded *prometheus.CounterVec
	labelsParsed    *prometheus.CounterVec
	dropsDetected   *prometheus.CounterVec
	dropsInserted   *prometheus.CounterVec

	jobRunsTotal  *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec

	snapshotsRetained *prometheus.GaugeVec
	watchlistsActive  prometheus.Gauge
	matchesEmitted    prometheus.Counter

	scoreCacheHits   prometheus.Counter
	scoreCacheMisses prometheus.Counter

	czdsAuthTotal prometheus.Counter
	czdsRetries   prometheus.Counter
}

// NewMetrics constructs and registers the service's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		bytesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Subsystem: "ingest",
			Name:      "bytes_downloaded_total",
			Help:      "Total zone file bytes downloaded, by TLD.",
		}, []string{"tld"}),
		labelsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Subsystem: "ingest",
			Name:      "labels_parsed_total",
			Help:      "Total unique SLD labels parsed from zone snapshots, by TLD.",
		}, []string{"tld"}),
		dropsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Subsystem: "detect",
			Name:      "drops_detected_total",
			Help:      "Total dropped labels detected, by TLD.",
		}, []string{"tld"}),
		dropsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Subsystem: "detect",
			Name:      "drops_inserted_total",
			Help:      "Total dropped labels newly persisted, by TLD.",
		}, []string{"tld"}),

		jobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total job runs by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dropwatch",
			Subsystem: "jobs",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of full ingestion cycles in seconds, by TLD.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"tld"}),

		snapshotsRetained: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dropwatch",
			Name:      "snapshots_retained",
			Help:      "Zone snapshots currently retained on disk, by TLD.",
		}, []string{"tld"}),
		watchlistsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwatch",
			Name:      "watchlists_active",
			Help:      "Active watchlists loaded by the matcher in the last cycle.",
		}),
		matchesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Name:      "watchlist_matches_total",
			Help:      "Total watchlist matches emitted.",
		}),

		scoreCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Name:      "score_cache_hits_total",
			Help:      "Total quality score memo cache hits.",
		}),
		scoreCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Name:      "score_cache_misses_total",
			Help:      "Total quality score memo cache misses.",
		}),

		czdsAuthTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Subsystem: "czds",
			Name:      "authentications_total",
			Help:      "Total CZDS authentication requests performed.",
		}),
		czdsRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwatch",
			Subsystem: "czds",
			Name:      "download_retries_total",
			Help:      "Total CZDS download retry attempts.",
		}),
	}

	reg.MustRegister(
		m.bytesDownloaded,
		m.labelsParsed,
		m.dropsDetected,
		m.dropsInserted,
		m.jobRunsTotal,
		m.cycleDuration,
		m.snapshotsRetained,
		m.watchlistsActive,
		m.matchesEmitted,
		m.scoreCacheHits,
		m.scoreCacheMisses,
		m.czdsAuthTotal,
		m.czdsRetries,
	)

	return m
}

func (m *Metrics) AddBytesDownloaded(tld string, n int64) {
	if m == nil {
		return
	}
	m.bytesDownloaded.WithLabelValues(tld).Add(float64(n))
}

func (m *Metrics) AddLabelsParsed(tld string, n int) {
	if m == nil {
		return
	}
	m.labelsParsed.WithLabelValues(tld).Add(float64(n))
}

func (m *Metrics) AddDropsDetected(tld string, n int) {
	if m == nil {
		return
	}
	m.dropsDetected.WithLabelValues(tld).Add(float64(n))
}

func (m *Metrics) AddDropsInserted(tld string, n int) {
	if m == nil {
		return
	}
	m.dropsInserted.WithLabelValues(tld).Add(float64(n))
}

func (m *Metrics) ObserveJobRun(outcome string, tld string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRunsTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.WithLabelValues(tld).Observe(d.Seconds())
}

func (m *Metrics) SetSnapshotsRetained(tld string, n int) {
	if m == nil {
		return
	}
	m.snapshotsRetained.WithLabelValues(tld).Set(float64(n))
}

func (m *Metrics) SetWatchlistsActive(n int) {
	if m == nil {
		return
	}
	m.watchlistsActive.Set(float64(n))
}

func (m *Metrics) AddMatchesEmitted(n int) {
	if m == nil {
		return
	}
	m.matchesEmitted.Add(float64(n))
}

func (m *Metrics) IncScoreCacheHits() {
	if m == nil {
		return
	}
	m.scoreCacheHits.Inc()
}

func (m *Metrics) IncScoreCacheMisses() {
	if m == nil {
		return
	}
	m.scoreCacheMisses.Inc()
}

func (m *Metrics) IncCZDSAuth() {
	if m == nil {
		return
	}
	m.czdsAuthTotal.Inc()
}

func (m *Metrics) IncCZDSRetries() {
	if m == nil {
		return
	}
	m.czdsRetries.Inc()
}
