// Package metrics provides Prometheus metrics for the replication core
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Replication Prometheus监控指标收集器
type Replication struct {
	registry *prometheus.Registry

	// 扇出指标
	followerOutcomes *prometheus.CounterVec
	followerLatency  prometheus.Histogram
	fanoutsSealed    prometheus.Counter
	fanoutFollowers  prometheus.Counter
	fanoutDispatched prometheus.Counter

	// 券商指标
	brokerInFlight prometheus.Gauge

	// 对账指标
	reconcileRuns      prometheus.Counter
	reconcileConflicts prometheus.Counter

	// 系统指标
	wsClients prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "ct",
		Subsystem: "replication",
	}
}

// New 创建新的Replication指标实例
func New(cfg Config) *Replication {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Replication{
		registry: reg,

		followerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "follower_outcomes_total",
			Help:      "每跟单管道终态计数",
		}, []string{"kind"}),
		followerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "follower_latency_seconds",
			Help:      "主单受理到跟单下单回执的延迟分布（秒）",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		fanoutsSealed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fanouts_sealed_total",
			Help:      "封口的复制事件总数",
		}),
		fanoutFollowers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fanout_followers_total",
			Help:      "扇出覆盖的跟单总数",
		}),
		fanoutDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fanout_dispatched_total",
			Help:      "成功派发的跟单总数",
		}),

		brokerInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "broker_in_flight",
			Help:      "在途券商调用数",
		}),

		reconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_runs_total",
			Help:      "对账轮次总数",
		}),
		reconcileConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_conflicts_total",
			Help:      "对账解决的悬置订单总数",
		}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_clients",
			Help:      "已连接的websocket客户端数",
		}),
	}
}

// FollowerOutcome 记录一个跟单管道终态。
func (r *Replication) FollowerOutcome(kind string) {
	r.followerOutcomes.WithLabelValues(kind).Inc()
}

// ObserveFollowerLatency 记录单跟单派发延迟。
func (r *Replication) ObserveFollowerLatency(seconds float64) {
	r.followerLatency.Observe(seconds)
}

// FanoutSealed 记录一次扇出封口。
func (r *Replication) FanoutSealed(total, dispatched int) {
	r.fanoutsSealed.Inc()
	r.fanoutFollowers.Add(float64(total))
	r.fanoutDispatched.Add(float64(dispatched))
}

// BrokerInFlightAdd 调整在途券商调用计数。
func (r *Replication) BrokerInFlightAdd(delta float64) {
	r.brokerInFlight.Add(delta)
}

// ReconcileRun 记录一轮对账与其解决的冲突数。
func (r *Replication) ReconcileRun(conflicts int) {
	r.reconcileRuns.Inc()
	r.reconcileConflicts.Add(float64(conflicts))
}

// WSClientsSet 设置当前websocket客户端数。
func (r *Replication) WSClientsSet(n int) {
	r.wsClients.Set(float64(n))
}

// Handler 返回该注册表的抓取端点。
func (r *Replication) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer 启动Prometheus指标服务器
func (r *Replication) StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
