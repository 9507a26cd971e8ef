package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder on a private Prometheus registry.
type PrometheusRecorder struct {
	runDuration   *prom.HistogramVec
	runOutcomes   *prom.CounterVec
	chainCache    *prom.CounterVec
	invalidations *prom.CounterVec
	dynamicStages prom.Gauge
	configReloads *prom.CounterVec
	frameIntents  prom.Histogram

	registry *prom.Registry
}

// NewPrometheusRecorder constructs the skirmish metrics and registers them with reg.
// A nil reg gets a fresh private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	pr := &PrometheusRecorder{
		runDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "skirmish",
			Name:      "pipeline_run_duration_seconds",
			Help:      "Duration of pipeline runs",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .1},
		}, []string{"pipeline"}),
		runOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "skirmish",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by final outcome",
		}, []string{"pipeline", "outcome"}),
		chainCache: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "skirmish",
			Name:      "chain_cache_lookups_total",
			Help:      "Compiled chain cache lookups by result",
		}, []string{"result"}),
		invalidations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "skirmish",
			Name:      "chain_cache_invalidations_total",
			Help:      "Whole-cache invalidations by mutation kind",
		}, []string{"cause"}),
		dynamicStages: prom.NewGauge(prom.GaugeOpts{
			Namespace: "skirmish",
			Name:      "dynamic_stages",
			Help:      "Dynamic stage entries currently registered",
		}),
		configReloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "skirmish",
			Name:      "config_reloads_total",
			Help:      "Definition reload attempts by status",
		}, []string{"status"}),
		frameIntents: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "skirmish",
			Name:      "frame_intents",
			Help:      "Intents drained per frame",
			Buckets:   prom.LinearBuckets(0, 4, 8),
		}),
		registry: reg,
	}

	reg.MustRegister(
		pr.runDuration,
		pr.runOutcomes,
		pr.chainCache,
		pr.invalidations,
		pr.dynamicStages,
		pr.configReloads,
		pr.frameIntents,
	)

	return pr
}

func (p *PrometheusRecorder) ObserveRunDuration(pipeline string, d time.Duration) {
	if p == nil {
		return
	}
	p.runDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRunOutcome(pipeline string, outcome RunOutcome) {
	if p == nil {
		return
	}
	p.runOutcomes.WithLabelValues(pipeline, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncChainCache(hit bool) {
	if p == nil {
		return
	}
	res := "miss"
	if hit {
		res = "hit"
	}
	p.chainCache.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) IncCacheInvalidation(cause InvalidationCause) {
	if p == nil {
		return
	}
	p.invalidations.WithLabelValues(string(cause)).Inc()
}

func (p *PrometheusRecorder) SetDynamicStages(n int) {
	if p == nil {
		return
	}
	p.dynamicStages.Set(float64(n))
}

func (p *PrometheusRecorder) IncConfigReload(success bool) {
	if p == nil {
		return
	}
	status := "failed"
	if success {
		status = "success"
	}
	p.configReloads.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) ObserveFrameIntents(n int) {
	if p == nil {
		return
	}
	p.frameIntents.Observe(float64(n))
}

// Registry returns the registry the recorder was registered with.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	return p.registry
}

// Handler returns an http.Handler that serves the recorder's registry.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
