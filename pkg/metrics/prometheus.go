// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/flowgate/pkg/api"
)

// Options configures a PrometheusObserver.
type Options struct {
	Namespace string
	Registry  prometheus.Registerer
}

// PrometheusObserver is an api.Observer that records counters and a
// runtime duration histogram. Labels are bounded by the number of
// registered app codes.
type PrometheusObserver struct {
	api.NoopObserver

	registry  prometheus.Registerer
	namespace string
	now            func() time.Time

	runtimesCreated  *prometheus.CounterVec
	runtimesFinished *prometheus.CounterVec
	runtimesStalled  *prometheus.CounterVec
	runtimesFailed   *prometheus.CounterVec
	stagesEntered    *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	tasksScheduled   *prometheus.CounterVec
	runtimeDuration  *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the engine metrics with opts.Registry,
// or the default registerer when nil. It panics if they are already
// registered there.
func NewPrometheusObserver(opts Options) *PrometheusObserver {
	if opts.Namespace == "" {
		opts.Namespace = "flowgate"
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(opts.Registry)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &PrometheusObserver{
		registry:         opts.Registry,
		namespace:        opts.Namespace,
		now:              time.Now,
		runtimesCreated:  counter("runtimes_created_total", "Runtimes created, by app code.", "app"),
		runtimesFinished: counter("runtimes_finished_total", "Runtimes that reached COMPLETED or FINISHED_NO_FLOW.", "app", "state"),
		runtimesStalled:  counter("runtimes_stalled_total", "Runtimes parked at a dead end.", "app"),
		runtimesFailed:   counter("runtimes_failed_total", "Background tasks given up on.", "app"),
		stagesEntered:    counter("stages_entered_total", "Stages created, split by whether they wait for approvers.", "app", "waiting"),
		approvals:        counter("approvals_total", "Recorded approver actions.", "app", "action"),
		tasksScheduled:   counter("tasks_scheduled_total", "Background tasks scheduled, by kind.", "kind"),
		runtimeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "runtime_duration_seconds",
			Help:      "Time from runtime creation to its terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"app", "state"}),
	}
}

// WatchQueue exports the approximate depth of a task queue as a gauge.
func (o *PrometheusObserver) WatchQueue(name string, q interface{ Len() int }) {
	promauto.With(o.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   o.namespace,
		Name:        "queue_depth",
		Help:        "Tasks waiting in the queue, due or not.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(q.Len()) })
}

func (o *PrometheusObserver) OnRuntimeCreated(_ context.Context, rt *api.Runtime) {
	o.runtimesCreated.WithLabelValues(rt.AppCode).Inc()
}

func (o *PrometheusObserver) OnStageEntered(_ context.Context, rt *api.Runtime, _ *api.RuntimeStage, assignees int) {
	waiting := "false"
	if assignees > 0 {
		waiting = "true"
	}
	o.stagesEntered.WithLabelValues(rt.AppCode, waiting).Inc()
}

func (o *PrometheusObserver) OnApproval(_ context.Context, rt *api.Runtime, _ *api.RuntimeAssignee, action string) {
	o.approvals.WithLabelValues(rt.AppCode, action).Inc()
}

func (o *PrometheusObserver) OnTaskScheduled(_ context.Context, _ *api.Runtime, kind string) {
	o.tasksScheduled.WithLabelValues(kind).Inc()
}

func (o *PrometheusObserver) OnRuntimeFinished(_ context.Context, rt *api.Runtime) {
	state := rt.State.String()
	o.runtimesFinished.WithLabelValues(rt.AppCode, state).Inc()
	o.observeDuration(rt, state)
}

func (o *PrometheusObserver) OnRuntimeStalled(_ context.Context, rt *api.Runtime, _ *api.RuntimeStage) {
	o.runtimesStalled.WithLabelValues(rt.AppCode).Inc()
	o.observeDuration(rt, rt.State.String())
}

func (o *PrometheusObserver) OnRuntimeFailed(_ context.Context, rt *api.Runtime, _ error) {
	o.runtimesFailed.WithLabelValues(rt.AppCode).Inc()
}

func (o *PrometheusObserver) observeDuration(rt *api.Runtime, state string) {
	if rt.CreatedAt.IsZero() {
		return
	}
	o.runtimeDuration.WithLabelValues(rt.AppCode, state).Observe(o.now().Sub(rt.CreatedAt).Seconds())
}
