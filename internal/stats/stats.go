// Package stats exposes Prometheus metrics for the ledger and the memory
// pressure monitor.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itsChris/guessguard/internal/attempt"
	"github.com/itsChris/guessguard/internal/monitor"
)

// Namespace prefixes every metric name.
const Namespace = "guessguard"

// Label values for the attempt class.
const (
	TagClass        = "class"
	TagClassSuccess = "success"
	TagClassFailure = "failure"
)

// Stats owns a dedicated Prometheus registry and the collectors fed by
// the ledger, the monitor and the journal.
type Stats struct {
	registry *prometheus.Registry

	attemptsRecorded  *prometheus.CounterVec
	attemptsUntracked prometheus.Counter
	corrections       prometheus.Counter
	ledgersEvicted    prometheus.Counter

	broadcasts         prometheus.Counter
	entriesRemoved     prometheus.Counter
	subscriberFailures prometheus.Counter
	broadcastDuration  prometheus.Histogram

	journalDropped prometheus.Counter
	buildInfo      *prometheus.GaugeVec
}

// New creates Stats and registers the Go runtime and process collectors.
func New(version string) *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),

		attemptsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attempts_recorded_total",
			Help:      "Login attempts recorded in per-IP histories.",
		}, []string{TagClass}),
		attemptsUntracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attempts_untracked_total",
			Help:      "Login attempts ignored because their source is in an untracked network.",
		}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outcome_corrections_total",
			Help:      "Stored attempts whose outcome was revised.",
		}),
		ledgersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledgers_evicted_total",
			Help:      "Per-IP histories evicted to respect the tracked address limit.",
		}),

		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pressure_broadcasts_total",
			Help:      "Memory reduction broadcasts sent to subscribers.",
		}),
		entriesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pressure_entries_removed_total",
			Help:      "Entries removed by subscribers in response to memory pressure.",
		}),
		subscriberFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pressure_subscriber_failures_total",
			Help:      "Subscriber callbacks that failed or panicked during a broadcast.",
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "pressure_broadcast_duration_seconds",
			Help:      "Time taken by all subscribers to finish a broadcast.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		journalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "journal_dropped_total",
			Help:      "Attempts not journaled because the write queue was full.",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version"}),
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.attemptsRecorded,
		s.attemptsUntracked,
		s.corrections,
		s.ledgersEvicted,
		s.broadcasts,
		s.entriesRemoved,
		s.subscriberFailures,
		s.broadcastDuration,
		s.journalDropped,
		s.buildInfo,
	)
	s.buildInfo.WithLabelValues(version).Set(1)

	return s
}

// Registry returns the underlying registry.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (s *Stats) GaugeFunc(name, help string, fn func() float64) {
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// AttemptRecorded implements ledger.Observer.
func (s *Stats) AttemptRecorded(outcome attempt.Outcome) {
	class := TagClassFailure
	if outcome.IsSuccess() {
		class = TagClassSuccess
	}
	s.attemptsRecorded.WithLabelValues(class).Inc()
}

// AttemptUntracked implements ledger.Observer.
func (s *Stats) AttemptUntracked() {
	s.attemptsUntracked.Inc()
}

// OutcomesCorrected implements ledger.Observer.
func (s *Stats) OutcomesCorrected(n int) {
	s.corrections.Add(float64(n))
}

// LedgersEvicted implements ledger.Observer.
func (s *Stats) LedgersEvicted(n int) {
	s.ledgersEvicted.Add(float64(n))
}

// BroadcastCompleted implements monitor.Observer.
func (s *Stats) BroadcastCompleted(r monitor.Report) {
	s.broadcasts.Inc()
	s.entriesRemoved.Add(float64(r.Removed))
	s.subscriberFailures.Add(float64(len(r.Failures)))
	s.broadcastDuration.Observe(r.Duration.Seconds())
}

// JournalDropped counts attempts the journal could not queue.
func (s *Stats) JournalDropped(n int) {
	s.journalDropped.Add(float64(n))
}
