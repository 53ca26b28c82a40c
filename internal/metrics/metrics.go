// Package metrics provides Prometheus metrics for the hot-patch daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Build metrics
	BuildsStarted     *prometheus.CounterVec
	BuildsCompleted   *prometheus.CounterVec
	BuildsFailed      *prometheus.CounterVec
	BuildsNoop        *prometheus.CounterVec
	CoalescedTriggers *prometheus.CounterVec
	BuildDuration     *prometheus.HistogramVec
	LastCompletedID   *prometheus.GaugeVec

	// Artifact metrics
	LibrariesPerBuild      *prometheus.HistogramVec
	UnresolvedDependencies *prometheus.CounterVec
	AssetUpdates           *prometheus.CounterVec

	// Distribution metrics
	Subscribers     *prometheus.GaugeVec
	FramesDropped   *prometheus.CounterVec
	ArtifactFetches *prometheus.CounterVec
	BytesServed     *prometheus.CounterVec

	// Error metrics
	WatchErrors   *prometheus.CounterVec
	MirrorErrors  *prometheus.CounterVec
	JournalErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// New registers a fresh set of metrics with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "hotpatch"
	}
	f := promauto.With(reg)

	return &Metrics{
		BuildsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_started_total",
				Help:      "Total number of builds started",
			},
			[]string{"target"},
		),
		BuildsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of builds that published an artifact set",
			},
			[]string{"target"},
		),
		BuildsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_failed_total",
				Help:      "Total number of failed builds",
			},
			[]string{"target"},
		),
		BuildsNoop: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_noop_total",
				Help:      "Total number of builds where no object changed",
			},
			[]string{"target"},
		),
		CoalescedTriggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_triggers_total",
				Help:      "Triggers folded into a pending build while another was running",
			},
			[]string{"target"},
		),
		BuildDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Wall time from build start to publication",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"target"},
		),
		LastCompletedID: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_completed_build_id",
				Help:      "Most recent completed build id",
			},
			[]string{"target"},
		),
		LibrariesPerBuild: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "libraries_per_build",
				Help:      "Number of libraries published per build",
				Buckets:   prometheus.LinearBuckets(1, 4, 10),
			},
			[]string{"target"},
		),
		UnresolvedDependencies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unresolved_dependencies_total",
				Help:      "Referenced libraries not found on any search path",
			},
			[]string{"target"},
		),
		AssetUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asset_updates_total",
				Help:      "Total number of asset records published",
			},
			[]string{"target"},
		),
		Subscribers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscribers",
				Help:      "Currently connected subscribers",
			},
			[]string{"target"},
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Events dropped because a subscriber buffer was full",
			},
			[]string{"target"},
		),
		ArtifactFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_fetches_total",
				Help:      "Artifact fetches by where the bytes came from",
			},
			[]string{"target", "source"},
		),
		BytesServed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_served_total",
				Help:      "Uncompressed artifact bytes served",
			},
			[]string{"target"},
		),
		WatchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_errors_total",
				Help:      "Errors reported by filesystem watches",
			},
			[]string{"dir"},
		),
		MirrorErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_errors_total",
				Help:      "Artifact mirror errors",
			},
			[]string{"operation"},
		),
		JournalErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_errors_total",
				Help:      "Build journal emission errors",
			},
			[]string{"target"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncBuildsStarted increments the builds started counter.
func (m *Metrics) IncBuildsStarted(target string) {
	if m == nil {
		return
	}
	m.BuildsStarted.WithLabelValues(target).Inc()
}

// ObserveBuildCompleted records a published build.
func (m *Metrics) ObserveBuildCompleted(target string, id uint64, seconds float64, libraries int) {
	if m == nil {
		return
	}
	m.BuildsCompleted.WithLabelValues(target).Inc()
	m.BuildDuration.WithLabelValues(target).Observe(seconds)
	m.LastCompletedID.WithLabelValues(target).Set(float64(id))
	m.LibrariesPerBuild.WithLabelValues(target).Observe(float64(libraries))
}

// IncBuildsFailed increments the failed builds counter.
func (m *Metrics) IncBuildsFailed(target string) {
	if m == nil {
		return
	}
	m.BuildsFailed.WithLabelValues(target).Inc()
}

// IncBuildsNoop increments the no-op builds counter.
func (m *Metrics) IncBuildsNoop(target string) {
	if m == nil {
		return
	}
	m.BuildsNoop.WithLabelValues(target).Inc()
}

// IncCoalescedTriggers counts a trigger folded into a pending build.
func (m *Metrics) IncCoalescedTriggers(target string) {
	if m == nil {
		return
	}
	m.CoalescedTriggers.WithLabelValues(target).Inc()
}

// AddUnresolvedDependencies counts library names that could not be located.
func (m *Metrics) AddUnresolvedDependencies(target string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.UnresolvedDependencies.WithLabelValues(target).Add(float64(n))
}

// IncAssetUpdates counts a published asset record.
func (m *Metrics) IncAssetUpdates(target string) {
	if m == nil {
		return
	}
	m.AssetUpdates.WithLabelValues(target).Inc()
}

// AddSubscribers adjusts the subscriber gauge by delta.
func (m *Metrics) AddSubscribers(target string, delta float64) {
	if m == nil {
		return
	}
	m.Subscribers.WithLabelValues(target).Add(delta)
}

// IncFramesDropped counts an event lost to a full subscriber buffer.
func (m *Metrics) IncFramesDropped(target string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(target).Inc()
}

// ObserveFetch records an artifact fetch and its size.
func (m *Metrics) ObserveFetch(target, source string, bytes int64) {
	if m == nil {
		return
	}
	m.ArtifactFetches.WithLabelValues(target, source).Inc()
	if bytes > 0 {
		m.BytesServed.WithLabelValues(target).Add(float64(bytes))
	}
}

// IncWatchErrors increments the watch errors counter.
func (m *Metrics) IncWatchErrors(dir string) {
	if m == nil {
		return
	}
	m.WatchErrors.WithLabelValues(dir).Inc()
}

// IncMirrorErrors increments the mirror errors counter.
func (m *Metrics) IncMirrorErrors(operation string) {
	if m == nil {
		return
	}
	m.MirrorErrors.WithLabelValues(operation).Inc()
}

// IncJournalErrors increments the journal errors counter.
func (m *Metrics) IncJournalErrors(target string) {
	if m == nil {
		return
	}
	m.JournalErrors.WithLabelValues(target).Inc()
}
