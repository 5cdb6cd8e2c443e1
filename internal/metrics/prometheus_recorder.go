package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder by registering and updating
// metrics against a prometheus.Registerer.
type PrometheusRecorder struct {
	once              sync.Once
	jobsEvaluated     *prometheus.CounterVec
	evalDuration      prometheus.Histogram
	drvsWalked        prometheus.Counter
	subprocessInvokes *prometheus.CounterVec
	buildTransitions  *prometheus.CounterVec
	controlDuration   *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
}

// NewPrometheusRecorder registers the ekaci metric family on reg and
// returns a Recorder backed by it. Each PrometheusRecorder registers its
// metrics exactly once, so a fresh instance is needed per registry (tests
// typically pass a fresh prometheus.NewRegistry()).
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{}
	r.once.Do(func() {
		r.jobsEvaluated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaci",
			Subsystem: "eval",
			Name:      "jobs_total",
			Help:      "Number of job files handed to the evaluator, by outcome.",
		}, []string{"outcome"})
		r.evalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ekaci",
			Subsystem: "eval",
			Name:      "duration_seconds",
			Help:      "Duration of evaluator subprocess runs.",
			Buckets:   prometheus.DefBuckets,
		})
		r.drvsWalked = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ekaci",
			Subsystem: "walk",
			Name:      "drvs_total",
			Help:      "Number of derivations discovered by the graph walker.",
		})
		r.subprocessInvokes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaci",
			Subsystem: "subprocess",
			Name:      "invocations_total",
			Help:      "Subprocess invocations by kind and outcome.",
		}, []string{"kind", "outcome"})
		r.buildTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaci",
			Subsystem: "build",
			Name:      "state_transitions_total",
			Help:      "Build events recorded, by resulting state.",
		}, []string{"state"})
		r.controlDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ekaci",
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Control-socket request service duration, by request type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"request_type"})
		r.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ekaci",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Current depth of the dispatcher task channel.",
		})

		reg.MustRegister(
			r.jobsEvaluated,
			r.evalDuration,
			r.drvsWalked,
			r.subprocessInvokes,
			r.buildTransitions,
			r.controlDuration,
			r.queueDepth,
		)
	})

	return r
}

func (r *PrometheusRecorder) IncJobsEvaluated(outcome string) {
	r.jobsEvaluated.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) ObserveEvalDuration(d time.Duration) {
	r.evalDuration.Observe(d.Seconds())
}

func (r *PrometheusRecorder) IncDrvsWalked(n int) {
	r.drvsWalked.Add(float64(n))
}

func (r *PrometheusRecorder) IncSubprocessInvocation(kind, outcome string) {
	r.subprocessInvokes.WithLabelValues(kind, outcome).Inc()
}

func (r *PrometheusRecorder) IncBuildStateTransition(state string) {
	r.buildTransitions.WithLabelValues(state).Inc()
}

func (r *PrometheusRecorder) ObserveControlRequestDuration(requestType string, d time.Duration) {
	r.controlDuration.WithLabelValues(requestType).Observe(d.Seconds())
}

func (r *PrometheusRecorder) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

var _ Recorder = (*PrometheusRecorder)(nil)
