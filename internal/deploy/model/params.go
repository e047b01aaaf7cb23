package model

import "time"

// DeployParams 发布参数
type DeployParams struct {
	Version string   `json:"version,omitempty"` // 为空时由 git 计算
	Roles   []string `json:"roles,omitempty"`   // 为空时发布全部可发布角色
	Message string   `json:"message,omitempty"` // 发布锁说明
}

// RollbackParams 回滚参数
type RollbackParams struct {
	Version string   `json:"version,omitempty"` // 为空时回滚到各主机记录的上一个版本
	Roles   []string `json:"roles,omitempty"`
	Message string   `json:"message,omitempty"`
}

// LogsParams 日志查询参数
type LogsParams struct {
	Role  string `json:"role,omitempty" form:"role"`
	Host  string `json:"host,omitempty" form:"host"`
	Lines int    `json:"lines,omitempty" form:"lines"`
}

// HostLogs 单个主机容器日志
type HostLogs struct {
	Host      string `json:"host"`
	Role      string `json:"role"`
	Container string `json:"container"`
	Output    string `json:"output"`
	Error     string `json:"error,omitempty"`
}

// LockInfo 发布锁信息
type LockInfo struct {
	Holder     string    `json:"holder"`
	Message    string    `json:"message,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// HostStatus 主机状态
type HostStatus struct {
	Address  string             `json:"address"`
	Current  string             `json:"current,omitempty"`
	Previous string             `json:"previous,omitempty"`
	Health   HealthStatus       `json:"health"`
	Active   string             `json:"active,omitempty"`
	Draining []DrainingEndpoint `json:"draining,omitempty"`
}

// RoleStatus 角色状态
type RoleStatus struct {
	Role  string       `json:"role"`
	Kind  RoleKind     `json:"kind"`
	Hosts []HostStatus `json:"hosts"`
}

// StatusReport 部署状态总览
type StatusReport struct {
	Service     string         `json:"service"`
	Lock        *LockInfo      `json:"lock,omitempty"`
	Roles       []RoleStatus   `json:"roles"`
	LastRollout *RolloutRecord `json:"last_rollout,omitempty"`
}
