package model

import (
	"fmt"
	"time"
)

// Endpoint 代理转发目标
type Endpoint struct {
	Container string `json:"container"` // 容器名称
	Address   string `json:"address"`   // 代理可达地址，如 myapp-web-abc123:3000
}

// IsZero 是否为空
func (e Endpoint) IsZero() bool { return e.Address == "" }

// NewEndpoint 根据容器名和端口构造转发目标
func NewEndpoint(container string, port int) Endpoint {
	return Endpoint{Container: container, Address: fmt.Sprintf("%s:%d", container, port)}
}

// DrainingEndpoint 正在排空的旧目标，到期后旧容器才会被停止
type DrainingEndpoint struct {
	Endpoint
	Until time.Time `json:"until"`
}

// ProxyRoute 对外域名到健康容器的映射，仅由 proxy reconciler 写入
type ProxyRoute struct {
	Role      string             `json:"role"`
	Host      string             `json:"host"`
	Public    string             `json:"public"`             // 对外域名/路径
	TLS       bool               `json:"tls"`                // 是否开启 SSL
	Active    Endpoint           `json:"active"`             // 当前接收流量的目标
	Draining  []DrainingEndpoint `json:"draining,omitempty"` // 排空中的旧目标
	UpdatedAt time.Time          `json:"updated_at"`
}

// RouteKey 路由表的串行化粒度
func RouteKey(role, host string) string { return role + "/" + host }
