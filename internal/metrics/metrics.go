// Package metrics exposes replication activity as Prometheus metrics.
//
// All methods are safe to call on a nil *Metrics, so components can take an
// optional collector without nil checks at every call site.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the replication collectors.
type Metrics struct {
	changesReceived      *prometheus.CounterVec
	revisionsTransferred *prometheus.CounterVec
	revisionsFailed      *prometheus.CounterVec
	revisionsRejected    *prometheus.CounterVec
	checkpointsSaved     *prometheus.CounterVec
	status               *prometheus.GaugeVec
	pending              *prometheus.GaugeVec
	requestDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		changesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_changes_received_total",
				Help: "Number of changes feed entries or local changes queued for replication.",
			},
			[]string{"direction"},
		),
		revisionsTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_revisions_transferred_total",
				Help: "Number of revisions pulled into or pushed out of the local store.",
			},
			[]string{"direction"},
		),
		revisionsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_revisions_failed_total",
				Help: "Number of revisions that could not be transferred.",
			},
			[]string{"direction"},
		),
		revisionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_revisions_rejected_total",
				Help: "Number of revisions rejected by validation (forbidden).",
			},
			[]string{"direction"},
		),
		checkpointsSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_checkpoints_saved_total",
				Help: "Number of checkpoints saved to the remote.",
			},
			[]string{"direction"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docsync_replication_status",
				Help: "Replication status: 0 stopped, 1 offline, 2 idle, 3 active.",
			},
			[]string{"direction"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docsync_pending_revisions",
				Help: "Revisions queued but not yet transferred.",
			},
			[]string{"direction"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docsync_request_duration_seconds",
				Help:    "Duration of replication requests to the remote.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.changesReceived,
		m.revisionsTransferred,
		m.revisionsFailed,
		m.revisionsRejected,
		m.checkpointsSaved,
		m.status,
		m.pending,
		m.requestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// ChangesReceived counts n changes queued in direction ("pull" or "push").
func (m *Metrics) ChangesReceived(direction string, n int) {
	if m == nil {
		return
	}
	m.changesReceived.WithLabelValues(direction).Add(float64(n))
}

// RevisionTransferred counts one revision stored or uploaded.
func (m *Metrics) RevisionTransferred(direction string) {
	if m == nil {
		return
	}
	m.revisionsTransferred.WithLabelValues(direction).Inc()
}

// RevisionFailed counts one revision that failed.
func (m *Metrics) RevisionFailed(direction string) {
	if m == nil {
		return
	}
	m.revisionsFailed.WithLabelValues(direction).Inc()
}

// RevisionRejected counts one revision rejected as forbidden.
func (m *Metrics) RevisionRejected(direction string) {
	if m == nil {
		return
	}
	m.revisionsRejected.WithLabelValues(direction).Inc()
}

// CheckpointSaved counts one remote checkpoint save.
func (m *Metrics) CheckpointSaved(direction string) {
	if m == nil {
		return
	}
	m.checkpointsSaved.WithLabelValues(direction).Inc()
}

// SetStatus records the replication status as its numeric level.
func (m *Metrics) SetStatus(direction string, level int) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(direction).Set(float64(level))
}

// SetPending records the number of revisions in flight.
func (m *Metrics) SetPending(direction string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(direction).Set(float64(n))
}

// ObserveRequest records how long a request to endpoint took.
func (m *Metrics) ObserveRequest(endpoint string, start time.Time) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
