package model

import "time"

// Release 发布版本记录，创建后不可变更；新版本发布后旧记录保留
type Release struct {
	Version   string    `json:"version"`    // 版本号
	Image     string    `json:"image"`      // 完整镜像拉取地址
	CreatedAt time.Time `json:"created_at"` // 创建时间
}

// IsZero 是否为空版本
func (r Release) IsZero() bool { return r.Version == "" }

// HealthStatus 容器健康状态
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ContainerRecord 每个主机、每个角色的容器版本记录，仅由 lifecycle driver 写入
type ContainerRecord struct {
	Host      string       `json:"host"`               // 主机地址
	Role      string       `json:"role"`               // 角色名称
	Current   *Release     `json:"current,omitempty"`  // 当前对外服务的版本
	Previous  *Release     `json:"previous,omitempty"` // 上一个版本，用于回滚
	Health    HealthStatus `json:"health"`             // 最近一次切换的健康结果
	UpdatedAt time.Time    `json:"updated_at"`
}

// CurrentVersion 当前版本号，无记录时为空
func (r ContainerRecord) CurrentVersion() string {
	if r.Current == nil {
		return ""
	}
	return r.Current.Version
}

// PreviousVersion 上一个版本号
func (r ContainerRecord) PreviousVersion() string {
	if r.Previous == nil {
		return ""
	}
	return r.Previous.Version
}

// ContainerName 容器命名规则：{service}-{role}-{version}
func ContainerName(service, role, version string) string {
	return service + "-" + role + "-" + version
}
