package model

import (
	"strconv"
	"time"
)

// BatchSize 每批主机数量，Count 与 Percent 二选一
type BatchSize struct {
	Count   int `json:"count,omitempty"`   // 绝对数量
	Percent int `json:"percent,omitempty"` // 角色主机数的百分比，向上取整且至少为 1
}

func (b BatchSize) String() string {
	if b.Percent > 0 {
		return strconv.Itoa(b.Percent) + "%"
	}
	return strconv.Itoa(b.Count)
}

// Batch 一个角色在一次发布中同时更新的一组主机
type Batch struct {
	Index  int     `json:"index"`
	Role   string  `json:"role"`
	Hosts  []Host  `json:"hosts"`
	Target Release `json:"target"`
}

// RolloutPlan 有序的批次序列
type RolloutPlan struct {
	Release Release `json:"release"`
	Batches []Batch `json:"batches"`
}

// HostCount 计划涉及的 (角色, 主机) 数量
func (p RolloutPlan) HostCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Hosts)
	}
	return n
}

// HostState 单个主机在一个批次中的状态
type HostState string

const (
	StatePending        HostState = "pending"
	StatePulling        HostState = "pulling"
	StateStarting       HostState = "starting"
	StateHealthChecking HostState = "health_checking"
	StateCuttingOver    HostState = "cutting_over"
	StateDraining       HostState = "draining"
	StateStopped        HostState = "stopped"
	StateRollingBack    HostState = "rolling_back"
	StateRolledBack     HostState = "rolled_back"
	StateIndeterminate  HostState = "indeterminate" // 需要人工确认
)

// Terminal 是否为终态
func (s HostState) Terminal() bool {
	switch s {
	case StateStopped, StateRolledBack, StateIndeterminate:
		return true
	}
	return false
}

// Outcome lifecycle driver 一次切换的结果
type Outcome string

const (
	OutcomeHealthy        Outcome = "healthy"
	OutcomeUnhealthy      Outcome = "unhealthy"
	OutcomeTransportError Outcome = "transport_error"
)

// RolloutKind 发布类型
type RolloutKind string

const (
	KindDeploy   RolloutKind = "deploy"
	KindRollback RolloutKind = "rollback"
)

// RolloutStatus 整体发布状态
type RolloutStatus string

const (
	RolloutRunning   RolloutStatus = "running"
	RolloutSucceeded RolloutStatus = "succeeded"
	RolloutFailed    RolloutStatus = "failed"    // 某批次健康检查失败，该批次已回滚，后续批次未执行
	RolloutAborted   RolloutStatus = "aborted"   // 传输层不可恢复错误或路由冲突，后续批次未执行
	RolloutCancelled RolloutStatus = "cancelled" // 外部中止，在批次边界生效
)

// RolloutRecord 发布历史
type RolloutRecord struct {
	ID            string        `json:"id"`
	Kind          RolloutKind   `json:"kind"`
	Version       string        `json:"version"`
	Status        RolloutStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      time.Duration `json:"duration"`
	Succeeded     []string      `json:"succeeded,omitempty"`     // role/host
	RolledBack    []string      `json:"rolled_back,omitempty"`   // role/host
	Indeterminate []string      `json:"indeterminate,omitempty"` // role/host
	Message       string        `json:"message,omitempty"`
}
