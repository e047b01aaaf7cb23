// Package metrics holds the Prometheus collectors of the deployment engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RolloutsTotal 发布次数，按类型与最终状态
	RolloutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerodeploy_rollouts_total",
		Help: "Rollouts by kind and terminal status.",
	}, []string{"kind", "status"})

	// RolloutDuration 发布耗时
	RolloutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zerodeploy_rollout_duration_seconds",
		Help:    "Wall time of a rollout.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	}, []string{"kind"})

	// BatchesTotal 批次执行次数
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerodeploy_batches_total",
		Help: "Executed batches by role.",
	}, []string{"role"})

	// HostTransitionsTotal 主机切换结果
	HostTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerodeploy_host_transitions_total",
		Help: "Per-host transitions by role and final host state.",
	}, []string{"role", "state"})

	// TransitionDuration 单主机切换耗时
	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zerodeploy_host_transition_duration_seconds",
		Help:    "Time from pull to a terminal host state.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"role"})

	// HealthCheckAttempts 健康检查尝试次数
	HealthCheckAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zerodeploy_health_check_attempts",
		Help:    "Health check attempts per transition.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	}, []string{"role", "result"})

	// CutoversTotal 代理切换
	CutoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerodeploy_cutovers_total",
		Help: "Proxy cutovers by result.",
	}, []string{"result"})

	// TransportRetriesTotal 传输层重试
	TransportRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerodeploy_transport_retries_total",
		Help: "Whole-transition retries caused by transport errors.",
	})

	// LockContentionTotal 发布锁冲突
	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerodeploy_lock_contention_total",
		Help: "Deploy lock acquisitions refused because another holder owns it.",
	})
)
