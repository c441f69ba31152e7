package infra

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

const metricsNamespace = "cobrowse"

// Metrics implements domain.Metrics with Prometheus collectors registered
// on the given registerer.
type Metrics struct {
	submitted        *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	executed         *prometheus.CounterVec
	executeDuration  *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	playbacksStarted prometheus.Counter
	playbacksEnded   *prometheus.CounterVec
	playbackFailures prometheus.Counter
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "actions_submitted_total",
			Help:      "Actions accepted into the control queue.",
		}, []string{"actor"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "actions_rejected_total",
			Help:      "Actions rejected by policy, conflict, validation or cancellation.",
		}, []string{"actor", "category"}),
		executed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "actions_executed_total",
			Help:      "Actions executed against the browser.",
		}, []string{"actor", "success"}),
		executeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "action_duration_seconds",
			Help:      "Executor latency per action.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"actor"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Actions waiting in the control queue.",
		}),
		playbacksStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "playbacks_started_total",
			Help:      "Playbacks started.",
		}),
		playbacksEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "playbacks_finished_total",
			Help:      "Playbacks that completed or were stopped.",
		}, []string{"outcome"}),
		playbackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "playback_action_failures_total",
			Help:      "Replayed actions that failed.",
		}),
	}
}

func (m *Metrics) ActionSubmitted(actor domain.Actor) {
	m.submitted.WithLabelValues(string(actor)).Inc()
}

func (m *Metrics) ActionRejected(actor domain.Actor, category domain.RejectCategory) {
	m.rejected.WithLabelValues(string(actor), string(category)).Inc()
}

func (m *Metrics) ActionExecuted(actor domain.Actor, success bool, d time.Duration) {
	m.executed.WithLabelValues(string(actor), strconv.FormatBool(success)).Inc()
	m.executeDuration.WithLabelValues(string(actor)).Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) PlaybackStarted() {
	m.playbacksStarted.Inc()
}

func (m *Metrics) PlaybackFinished(completed bool) {
	outcome := "stopped"
	if completed {
		outcome = "completed"
	}
	m.playbacksEnded.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PlaybackActionFailed() {
	m.playbackFailures.Inc()
}

// Ensure Metrics implements domain.Metrics.
var _ domain.Metrics = (*Metrics)(nil)
