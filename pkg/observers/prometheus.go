package observers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/stageflow/pkg/api"
)

const namespace = "stageflow"

// Prometheus exports run and step metrics through client_golang collectors.
type Prometheus struct {
	api.NoopObserver

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	activeRuns   *prometheus.GaugeVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	progress     *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started, by workflow.",
		}, []string{"workflow"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs finished, by workflow and final status.",
		}, []string{"workflow", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to its final status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"workflow", "status"}),
		activeRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}, []string{"workflow"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_invocations_total",
			Help:      "Step invocations, by outcome. Failed invocations use outcome \"error\".",
		}, []string{"workflow", "step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step body execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "step"}),
		progress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Progress events written to run streams.",
		}, []string{"workflow"}),
	}

	for _, c := range []prometheus.Collector{
		p.runsStarted, p.runsFinished, p.runDuration, p.activeRuns,
		p.steps, p.stepDuration, p.progress,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var _ api.Observer = (*Prometheus)(nil)

func (p *Prometheus) OnRunStart(ctx context.Context, run *api.RunRecord) {
	p.runsStarted.WithLabelValues(run.Workflow).Inc()
	p.activeRuns.WithLabelValues(run.Workflow).Inc()
}

func (p *Prometheus) OnRunCompleted(ctx context.Context, run *api.RunRecord) {
	p.finish(run, api.StatusCompleted)
}

func (p *Prometheus) OnRunFailed(ctx context.Context, run *api.RunRecord, err error) {
	status := api.StatusFailed
	if run.Status == api.StatusTimedOut {
		status = api.StatusTimedOut
	}
	p.finish(run, status)
}

func (p *Prometheus) finish(run *api.RunRecord, status api.Status) {
	p.activeRuns.WithLabelValues(run.Workflow).Dec()
	p.runsFinished.WithLabelValues(run.Workflow, string(status)).Inc()
	if !run.StartedAt.IsZero() && !run.FinishedAt.IsZero() {
		p.runDuration.WithLabelValues(run.Workflow, string(status)).
			Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}
}

func (p *Prometheus) OnStepCompleted(ctx context.Context, run *api.RunRecord, step string, ev api.Event, outcome api.Outcome, err error, d time.Duration) {
	label := outcome.String()
	if err != nil {
		label = "error"
	}
	p.steps.WithLabelValues(run.Workflow, step, label).Inc()
	p.stepDuration.WithLabelValues(run.Workflow, step).Observe(d.Seconds())
}

func (p *Prometheus) OnProgress(ctx context.Context, run *api.RunRecord, ev api.Event) {
	p.progress.WithLabelValues(run.Workflow).Inc()
}
