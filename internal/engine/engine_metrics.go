package engine

import "github.com/prometheus/client_golang/prometheus"

// Hooks decouples the engine from the metrics registry. Nil members are
// never called.
type Hooks struct {
	OnEval     func(triggerKind, outcome string, seconds float64)
	OnDispatch func(action, status string, seconds float64)
	OnTrigger  func(result string)
	OnRun      func(e *RunEvent)
}

// RunEvent summarizes a finished run for instrumentation.
type RunEvent struct {
	Success   bool
	Seconds   float64
	Processed int
	Routed    int
	Flagged   int
}

// Metrics holds Prometheus metrics for the triage engine.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RunItems       prometheus.Histogram
	ItemsProcessed prometheus.Counter
	ItemsRouted    prometheus.Counter
	ItemsFlagged   prometheus.Counter
	TriggersTotal  *prometheus.CounterVec
	EvalsTotal     *prometheus.CounterVec
	EvalDuration   *prometheus.HistogramVec
	DispatchTotal  *prometheus.CounterVec
	DispatchTime   *prometheus.HistogramVec
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_runs_total",
			Help: "Total triage runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_run_duration_seconds",
			Help:    "Duration of triage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~1024s
		}, []string{"status"}),
		RunItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_run_items",
			Help:    "Items processed per run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		ItemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_items_processed_total",
			Help: "Total items processed across runs.",
		}),
		ItemsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_items_routed_total",
			Help: "Total items routed by a matched rule.",
		}),
		ItemsFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_items_flagged_total",
			Help: "Total items flagged for manual review.",
		}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_trigger_requests_total",
			Help: "Total run trigger requests by result.",
		}, []string{"result"}),
		EvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_rule_evals_total",
			Help: "Total rule evaluations by trigger kind and outcome.",
		}, []string{"kind", "outcome"}),
		EvalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_rule_eval_duration_seconds",
			Help:    "Duration of rule evaluations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8), // 5ms .. ~80s
		}, []string{"kind"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_dispatches_total",
			Help: "Total action dispatches by action kind and status.",
		}, []string{"action", "status"}),
		DispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_dispatch_duration_seconds",
			Help:    "Duration of action dispatches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunItems,
		m.ItemsProcessed,
		m.ItemsRouted,
		m.ItemsFlagged,
		m.TriggersTotal,
		m.EvalsTotal,
		m.EvalDuration,
		m.DispatchTotal,
		m.DispatchTime,
	)

	return m
}

// Hooks returns engine hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEval: func(kind, outcome string, seconds float64) {
			m.EvalsTotal.WithLabelValues(kind, outcome).Inc()
			m.EvalDuration.WithLabelValues(kind).Observe(seconds)
		},
		OnDispatch: func(action, status string, seconds float64) {
			m.DispatchTotal.WithLabelValues(action, status).Inc()
			m.DispatchTime.WithLabelValues(action).Observe(seconds)
		},
		OnTrigger: func(result string) {
			m.TriggersTotal.WithLabelValues(result).Inc()
		},
		OnRun: func(e *RunEvent) {
			status := "success"
			if !e.Success {
				status = "failed"
			}
			m.RunsTotal.WithLabelValues(status).Inc()
			m.RunDuration.WithLabelValues(status).Observe(e.Seconds)
			m.RunItems.Observe(float64(e.Processed))
			m.ItemsProcessed.Add(float64(e.Processed))
			m.ItemsRouted.Add(float64(e.Routed))
			m.ItemsFlagged.Add(float64(e.Flagged))
		},
	}
}
