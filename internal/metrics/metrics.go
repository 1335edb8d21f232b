package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelStrategy = "strategy"
	labelResult   = "result"
	labelOutcome  = "outcome"
)

// Metrics 聚合秒杀链路与缓存的 Prometheus 指标。
// nil *Metrics 可安全调用，方便测试与按需关闭指标。
type Metrics struct {
	SeckillRequests *prometheus.CounterVec
	OrdersHandled   *prometheus.CounterVec
	PendingReplays  prometheus.Counter
	CacheLookups    *prometheus.CounterVec
	CacheLoads      *prometheus.CounterVec
	CacheRebuilds   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SeckillRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seckill_requests_total",
				Help: "Seckill admission attempts by result",
			},
			[]string{labelResult},
		),
		OrdersHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seckill_orders_handled_total",
				Help: "Queued orders processed by the consumer by outcome",
			},
			[]string{labelOutcome},
		),
		PendingReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "seckill_pending_replays_total",
				Help: "Pending-list entries replayed by the recovery pass",
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache lookups by strategy and result",
			},
			[]string{labelStrategy, labelResult},
		),
		CacheLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_source_loads_total",
				Help: "Data source invocations on cache miss",
			},
			[]string{labelStrategy},
		),
		CacheRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_rebuilds_total",
				Help: "Asynchronous logical-expiry rebuilds by outcome",
			},
			[]string{labelOutcome},
		),
	}

	reg.MustRegister(
		m.SeckillRequests,
		m.OrdersHandled,
		m.PendingReplays,
		m.CacheLookups,
		m.CacheLoads,
		m.CacheRebuilds,
	)
	return m
}

func (m *Metrics) Seckill(result string) {
	if m == nil {
		return
	}
	m.SeckillRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) OrderHandled(outcome string) {
	if m == nil {
		return
	}
	m.OrdersHandled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PendingReplayed() {
	if m == nil {
		return
	}
	m.PendingReplays.Inc()
}

func (m *Metrics) CacheLookup(strategy, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) CacheLoad(strategy string) {
	if m == nil {
		return
	}
	m.CacheLoads.WithLabelValues(strategy).Inc()
}

func (m *Metrics) CacheRebuild(outcome string) {
	if m == nil {
		return
	}
	m.CacheRebuilds.WithLabelValues(outcome).Inc()
}
