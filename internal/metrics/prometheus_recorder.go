package metrics

import (
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg           *prom.Registry
	unitDuration  *prom.HistogramVec
	testArtifacts *prom.CounterVec
	doctests      *prom.CounterVec
	stageDuration *prom.HistogramVec
	jobs          prom.Gauge
}

// NewPrometheusRecorder constructs the metrics and registers them with reg,
// or with a fresh registry when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		reg: reg,
		unitDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "cairn",
			Name:      "unit_compile_duration_seconds",
			Help:      "Duration of compiler invocations by target kind, mode and result",
			Buckets:   prom.DefBuckets,
		}, []string{"kind", "mode", "result"}),
		testArtifacts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cairn",
			Name:      "test_artifacts_total",
			Help:      "Test executables by target kind and result",
		}, []string{"kind", "result"}),
		doctests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cairn",
			Name:      "doctests_total",
			Help:      "Doctest blocks by result",
		}, []string{"result"}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "cairn",
			Name:      "publish_stage_duration_seconds",
			Help:      "Duration of publish pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage", "result"}),
		jobs: prom.NewGauge(prom.GaugeOpts{
			Namespace: "cairn",
			Name:      "build_jobs",
			Help:      "Resolved number of concurrent compiler invocations",
		}),
	}
	reg.MustRegister(pr.unitDuration, pr.testArtifacts, pr.doctests, pr.stageDuration, pr.jobs)
	return pr
}

// Registry returns the registry the metrics live in.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	return p.reg
}

func (p *PrometheusRecorder) ObserveUnit(kind, mode string, result ResultLabel, d time.Duration) {
	if p == nil {
		return
	}
	p.unitDuration.WithLabelValues(kind, mode, string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTestArtifact(kind string, result ResultLabel) {
	if p == nil {
		return
	}
	p.testArtifacts.WithLabelValues(kind, string(result)).Inc()
}

func (p *PrometheusRecorder) IncDoctest(result ResultLabel) {
	if p == nil {
		return
	}
	p.doctests.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) ObservePublishStage(stage string, result ResultLabel, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage, string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetJobs(n int) {
	if p == nil {
		return
	}
	p.jobs.Set(float64(n))
}

// WriteTextfile writes every metric to path in the textfile collector
// format. The file is replaced atomically.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prom.WriteToTextfile(path, p.reg); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
