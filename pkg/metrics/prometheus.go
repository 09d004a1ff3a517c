// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/orderflow/pkg/api"
)

// PrometheusObserver implements api.Observer on top of Prometheus
// collectors. Combine it with a LoggingObserver via
// api.NewCompositeObserver.
type PrometheusObserver struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	statesEntered     *prometheus.CounterVec
	activityAttempts  *prometheus.CounterVec
	activityDuration  *prometheus.HistogramVec
	signalsAccepted   *prometheus.CounterVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the orderflow collectors on reg. Pass
// prometheus.DefaultRegisterer to publish on the default /metrics handler.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		instancesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_instances_started_total",
			Help: "Workflow instances started, by workflow type.",
		}, []string{"workflow"}),
		instancesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_instances_finished_total",
			Help: "Workflow instances finished, by workflow type and terminal status.",
		}, []string{"workflow", "status"}),
		statesEntered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_states_entered_total",
			Help: "State transitions durably applied, by workflow type and state.",
		}, []string{"workflow", "state"}),
		activityAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_activity_attempts_total",
			Help: "Activity attempts started, by workflow type and activity.",
		}, []string{"workflow", "activity"}),
		activityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderflow_activity_duration_seconds",
			Help:    "Activity attempt duration, by workflow type, activity, and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "activity", "outcome"}),
		signalsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_signals_accepted_total",
			Help: "Signals accepted into instance inboxes, by kind.",
		}, []string{"kind"}),
	}
}

func (p *PrometheusObserver) OnInstanceStart(ctx context.Context, wt, id string) {
	p.instancesStarted.WithLabelValues(wt).Inc()
}

func (p *PrometheusObserver) OnInstanceFinished(ctx context.Context, wt, id string, s api.Status) {
	p.instancesFinished.WithLabelValues(wt, string(s)).Inc()
}

func (p *PrometheusObserver) OnStateEntered(ctx context.Context, wt, id, state string) {
	p.statesEntered.WithLabelValues(wt, state).Inc()
}

func (p *PrometheusObserver) OnActivityAttempt(ctx context.Context, wt, id, act string, n int) {
	p.activityAttempts.WithLabelValues(wt, act).Inc()
}

func (p *PrometheusObserver) OnActivityFinished(ctx context.Context, wt, id, act string, n int, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.activityDuration.WithLabelValues(wt, act, outcome).Observe(d.Seconds())
}

func (p *PrometheusObserver) OnSignal(ctx context.Context, id string, kind api.SignalKind) {
	p.signalsAccepted.WithLabelValues(string(kind)).Inc()
}
