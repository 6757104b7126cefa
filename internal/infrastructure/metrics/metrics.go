package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ========== WebSocket ==========

// WSConnects 私有流成功连接次数
var WSConnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "ws",
		Name:      "connects_total",
		Help:      "Successful private stream connections",
	},
	[]string{"stream"},
)

// WSReconnects 已调度的重连次数
var WSReconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "ws",
		Name:      "reconnects_total",
		Help:      "Scheduled private stream reconnects",
	},
	[]string{"stream"},
)

// WSDroppedMessages 无法解析而丢弃的帧
var WSDroppedMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "ws",
		Name:      "dropped_messages_total",
		Help:      "Malformed wire messages dropped by adapters",
	},
	[]string{"exchange"},
)

// WSConnections 当前各状态连接数
var WSConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fundarb",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Private connections by exchange and status",
	},
	[]string{"exchange", "status"},
)

// ========== Orchestrator ==========

// OrchestratorOutcomes 开平仓结果
var OrchestratorOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "orchestrator",
		Name:      "outcomes_total",
		Help:      "Open/close outcomes by operation and result",
	},
	[]string{"operation", "outcome"}, // outcome: success, partial, validation, conflict, rolled_back, rollback_failed, failed
)

// LegLatency 单腿下单耗时
var LegLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundarb",
		Subsystem: "orchestrator",
		Name:      "leg_latency_ms",
		Help:      "Order placement latency per leg in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "side"},
)

// ========== Rates ==========

// OpportunityNotifications 机会通知
var OpportunityNotifications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "rates",
		Name:      "notifications_total",
		Help:      "Opportunity notifications by kind and whether they were delivered",
	},
	[]string{"kind", "delivered"},
)

// FundingFetchErrors 资金费率拉取失败
var FundingFetchErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "rates",
		Name:      "fetch_errors_total",
		Help:      "Funding rate fetch failures per exchange",
	},
	[]string{"exchange"},
)
