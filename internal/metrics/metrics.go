// Package metrics 暴露 Prometheus 指标：
//   - locates_venue_requests_total{step,outcome}  站点调用次数
//   - locates_venue_request_seconds{step}         站点调用耗时
//   - locates_queue_depth                          当前队列长度
//   - locates_queue_events_total{event}            入队/释放/超时驱逐
//   - locates_auth_state{state}                    当前会话状态（0/1）
//   - locates_orders_total{stage,result}           报价与确认结果
//
// 指标在 init 中注册到默认 Registry，由 HTTP 服务的 /metrics 输出。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	venueRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locates_venue_requests_total",
			Help: "Venue calls by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	venueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locates_venue_request_seconds",
			Help:    "Venue call latency by step",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"step"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locates_queue_depth",
			Help: "Entries currently held by the execution queue",
		},
	)

	queueEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locates_queue_events_total",
			Help: "Queue lifecycle events (enqueued|released|evicted|dropped)",
		},
		[]string{"event"},
	)

	// 每个状态一条序列，当前状态为 1，其余为 0
	authState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locates_auth_state",
			Help: "Session authentication state indicator",
		},
		[]string{"state"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locates_orders_total",
			Help: "Quote and confirm outcomes",
		},
		[]string{"stage", "result"},
	)
)

var authStates = []string{"unknown", "checking", "authenticated", "challenge_pending", "failed"}

func init() {
	prometheus.MustRegister(venueRequests, venueLatency, queueDepth, queueEvents, authState, orders)
	SetAuthState("unknown")
}

// ObserveVenueCall 记录一次站点调用。
func ObserveVenueCall(step, outcome string, latency time.Duration) {
	venueRequests.WithLabelValues(step, outcome).Inc()
	venueLatency.WithLabelValues(step).Observe(latency.Seconds())
}

// SetQueueDepth 更新队列长度。
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// QueueEvent 累加队列事件。
func QueueEvent(event string) {
	queueEvents.WithLabelValues(event).Inc()
}

// SetAuthState 切换会话状态指示。
func SetAuthState(state string) {
	for _, s := range authStates {
		v := 0.0
		if s == state {
			v = 1
		}
		authState.WithLabelValues(s).Set(v)
	}
}

// OrderOutcome 记录报价/确认结果。
func OrderOutcome(stage, result string) {
	orders.WithLabelValues(stage, result).Inc()
}
