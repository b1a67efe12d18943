// Package metrics 把每次获取的结果上报到 Prometheus 和 InfluxDB。
package metrics

import (
	"strconv"

	"taskforge/pkg/breaker"
	"taskforge/pkg/fetcher"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver 以 Prometheus 指标记录获取结果
type PrometheusObserver struct {
	fetches      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
	transient    *prometheus.CounterVec
	throttled    *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	exhausted    *prometheus.CounterVec
	records      *prometheus.GaugeVec
	circuitState *prometheus.GaugeVec
}

var _ fetcher.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver 在 reg 上注册指标
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "GetRecords calls by result source and degraded flag.",
		}, []string{"endpoint", "source", "degraded"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "GetRecords latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint", "source"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Provider rate-limit responses.",
		}, []string{"endpoint"}),
		transient: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transient_errors_total",
			Help:      "Transient provider failures.",
		}, []string{"endpoint"}),
		throttled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_budget_exceeded_total",
			Help:      "Attempts skipped because the local rate-limit wait exceeded its budget.",
		}, []string{"endpoint"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_records_total",
			Help:      "Records dropped for failing shape validation.",
		}, []string{"endpoint"}),
		exhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_exhausted_total",
			Help:      "Calls where no credential could complete a live fetch.",
		}, []string{"endpoint"}),
		records: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_returned",
			Help:      "Number of records returned by the last GetRecords call.",
		}, []string{"endpoint"}),
		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"endpoint"}),
	}
}

func (o *PrometheusObserver) ObserveFetch(e fetcher.FetchEvent) {
	o.fetches.WithLabelValues(e.Endpoint, string(e.Source), strconv.FormatBool(e.Degraded)).Inc()
	o.duration.WithLabelValues(e.Endpoint, string(e.Source)).Observe(e.Duration.Seconds())
	o.rateLimited.WithLabelValues(e.Endpoint).Add(float64(e.RateLimited))
	o.transient.WithLabelValues(e.Endpoint).Add(float64(e.Transient))
	o.throttled.WithLabelValues(e.Endpoint).Add(float64(e.Throttled))
	o.dropped.WithLabelValues(e.Endpoint).Add(float64(e.Dropped))
	if e.Exhausted {
		o.exhausted.WithLabelValues(e.Endpoint).Inc()
	}
	o.records.WithLabelValues(e.Endpoint).Set(float64(e.Records))
	o.circuitState.WithLabelValues(e.Endpoint).Set(circuitValue(e.CircuitState))
}

func circuitValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
