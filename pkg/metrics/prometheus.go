package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stageflow/pkg/proto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	transitionsTotal *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	itemsTotal       *prometheus.CounterVec
	providerTotal    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors with reg. A nil reg uses the
// default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_transitions_total",
				Help: "Total number of state transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		handlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_handler_duration_seconds",
				Help:    "Duration of state handler executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state", "status"},
		),
		itemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_items_total",
				Help: "Total number of work items by terminal status",
			},
			[]string{"status"},
		),
		providerTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_provider_requests_total",
				Help: "Total number of capability provider calls by kind and status",
			},
			[]string{"kind", "status", "error_code"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_provider_duration_seconds",
				Help:    "Duration of capability provider calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_llm_tokens_total",
				Help: "Total number of LLM tokens by model, capability and type",
			},
			[]string{"model", "kind", "type"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_runs_total",
				Help: "Total number of workflow runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_run_duration_seconds",
				Help:    "Duration of workflow runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
	}
}

func (p *PrometheusRecorder) ObserveTransition(from, to proto.State) {
	p.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusRecorder) ObserveHandler(state proto.State, success bool, duration time.Duration) {
	p.handlerDuration.WithLabelValues(string(state), status(success)).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveItem(s proto.ItemStatus) {
	p.itemsTotal.WithLabelValues(string(s)).Inc()
}

func (p *PrometheusRecorder) ObserveProvider(kind string, success bool, errorCode string, duration time.Duration) {
	p.providerTotal.WithLabelValues(kind, status(success), errorCode).Inc()
	p.providerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveTokens(model, kind string, promptTokens, completionTokens int) {
	p.tokensTotal.WithLabelValues(model, kind, "prompt").Add(float64(promptTokens))
	p.tokensTotal.WithLabelValues(model, kind, "completion").Add(float64(completionTokens))
}

func (p *PrometheusRecorder) ObserveRun(mode, outcome string, duration time.Duration) {
	p.runsTotal.WithLabelValues(mode, outcome).Inc()
	p.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusError
}
