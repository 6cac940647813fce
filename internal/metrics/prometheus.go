package metrics

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink with Prometheus collectors. Registration
// failures are logged and the affected collector still works unregistered.
type PrometheusSink struct {
	enqueued     *prometheus.CounterVec
	duplicates   prometheus.Counter
	cancelled    prometheus.Counter
	fired        prometheus.Counter
	failed       prometheus.Counter
	requeued     prometheus.Counter
	snapshots    *prometheus.CounterVec
	sinkFailures prometheus.Counter
	feedErrors   prometheus.Counter
	sessions     prometheus.Gauge
	dropped      prometheus.Counter

	logger *slog.Logger
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	s := &PrometheusSink{
		logger: logger.With(slog.String("component", "metrics")),
	}

	s.enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racewatch_activations_enqueued_total",
		Help: "Activations enqueued, by kind.",
	}, []string{"kind"})
	s.duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_activations_duplicate_total",
		Help: "Enqueue attempts rejected because a pending activation already existed.",
	})
	s.cancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_activations_cancelled_total",
		Help: "Pending activations cancelled.",
	})
	s.fired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_activations_fired_total",
		Help: "Activations delivered to the watcher.",
	})
	s.failed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_activations_failed_total",
		Help: "Activations whose handler returned an error and await redelivery.",
	})
	s.requeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_activations_requeued_total",
		Help: "Stale fired activations returned to pending.",
	})
	s.snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racewatch_snapshots_handled_total",
		Help: "Snapshots evaluated by the watcher, by outcome.",
	}, []string{"outcome"})
	s.sinkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_sink_write_failures_total",
		Help: "Snapshot sink write failures.",
	})
	s.feedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_feed_errors_total",
		Help: "Live feed subscription failures.",
	})
	s.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "racewatch_watch_sessions_open",
		Help: "Watch sessions currently open.",
	})
	s.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racewatch_transition_events_dropped_total",
		Help: "State transition events dropped because the publisher backlog was full.",
	})

	for _, c := range []prometheus.Collector{
		s.enqueued, s.duplicates, s.cancelled, s.fired, s.failed,
		s.requeued, s.snapshots, s.sinkFailures, s.feedErrors, s.sessions, s.dropped,
	} {
		s.register(reg, c)
	}
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		s.logger.Warn("failed to register collector", slog.String("error", err.Error()))
	}
}

func (s *PrometheusSink) ActivationEnqueued(kind string) { s.enqueued.WithLabelValues(kind).Inc() }
func (s *PrometheusSink) ActivationDuplicate() { s.duplicates.Inc() }
func (s *PrometheusSink) ActivationCancelled(count int) { s.cancelled.Add(float64(count)) }
func (s *PrometheusSink) ActivationFired() { s.fired.Inc() }
func (s *PrometheusSink) ActivationFailed() { s.failed.Inc() }
func (s *PrometheusSink) ActivationsRequeued(count int) { s.requeued.Add(float64(count)) }
func (s *PrometheusSink) SnapshotHandled(outcome string) { s.snapshots.WithLabelValues(outcome).Inc() }
func (s *PrometheusSink) SinkWriteFailed() { s.sinkFailures.Inc() }
func (s *PrometheusSink) FeedError() { s.feedErrors.Inc() }
func (s *PrometheusSink) SessionOpened() { s.sessions.Inc() }
func (s *PrometheusSink) SessionClosed() { s.sessions.Dec() }
func (s *PrometheusSink) TransitionDropped() { s.dropped.Inc() }

var _ Sink = (*PrometheusSink)(nil)
