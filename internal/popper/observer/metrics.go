package observer

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msto63/popper/internal/popper/chain"
)

const namespace = "popper"

// MetricsObserver exports run and validator statistics to Prometheus
type MetricsObserver struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	steps    *prometheus.CounterVec
	codes    *prometheus.CounterVec
	cache    *prometheus.CounterVec
	faults   *prometheus.CounterVec
	inflight prometheus.Gauge
}

// NewMetricsObserver creates the collectors and registers them with reg
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	m := &MetricsObserver{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Completed validation runs by endpoint and status.",
		}, []string{"chain", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Wall time of validation runs.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"chain"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_results_total",
			Help:      "Validator verdicts by validator and status.",
		}, []string{"validator", "status"}),
		codes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Reported validation errors by code.",
		}, []string{"code"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_faults_total",
			Help:      "Executor faults such as timeouts and validator panics.",
		}, []string{"kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validations_in_flight",
			Help:      "Validation runs currently executing.",
		}),
	}

	for _, c := range []prometheus.Collector{m.runs, m.duration, m.steps, m.codes, m.cache, m.faults, m.inflight} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *MetricsObserver) OnStart(*chain.ValidationContext) {
	m.inflight.Inc()
}

func (m *MetricsObserver) OnStep(_ *chain.ValidationContext, name string, res *chain.Result) {
	m.steps.WithLabelValues(name, res.Status.String()).Inc()
}

func (m *MetricsObserver) OnComplete(_ *chain.ValidationContext, res *chain.Result) {
	m.inflight.Dec()

	name := res.ChainName()
	m.runs.WithLabelValues(name, res.Status.String()).Inc()
	m.duration.WithLabelValues(name).Observe(res.Metrics.ExecutionTime.Seconds())
	for _, code := range res.ErrorCodes() {
		m.codes.WithLabelValues(code).Inc()
	}
	if n := res.Metrics.CacheHits; n > 0 {
		m.cache.WithLabelValues("hit").Add(float64(n))
	}
	if n := res.Metrics.CacheMisses; n > 0 {
		m.cache.WithLabelValues("miss").Add(float64(n))
	}
}

func (m *MetricsObserver) OnError(err error, _ *chain.ValidationContext) {
	m.faults.WithLabelValues(faultKind(err)).Inc()
}
