package model

// RoleKind 角色类型
type RoleKind string

const (
	RoleKindService   RoleKind = "service"   // 常驻服务，可接入代理
	RoleKindWorker    RoleKind = "worker"    // 后台任务，不接入代理
	RoleKindAccessory RoleKind = "accessory" // 附属服务（如 MySQL/Redis），不参与发布
)

// Host 主机信息
type Host struct {
	Address string   `json:"address"`           // 主机地址（IP或域名）
	Roles   []string `json:"roles"`             // 所属角色，至少一个
	User    string   `json:"user,omitempty"`    // SSH 用户
	Port    int      `json:"port,omitempty"`    // SSH 端口
	KeyRef  string   `json:"key_ref,omitempty"` // 凭据引用（私钥路径）
}

// HasRole 判断主机是否属于指定角色
func (h Host) HasRole(name string) bool {
	for _, r := range h.Roles {
		if r == name {
			return true
		}
	}
	return false
}

func (h Host) String() string { return h.Address }

// Role 角色定义
type Role struct {
	Name  string   `json:"name"`            // 角色名称，同一部署内唯一
	Kind  RoleKind `json:"kind"`            // 角色类型
	Cmd   string   `json:"cmd,omitempty"`   // 启动命令覆盖
	Proxy bool     `json:"proxy"`           // 是否经由代理对外提供流量
	Image string   `json:"image,omitempty"` // 附属服务镜像，仅 accessory 使用
	Port  int      `json:"port,omitempty"`  // 附属服务端口
	Hosts []string `json:"hosts"`           // 主机地址，保持注册顺序
}

// Rollable 是否参与版本发布
func (r Role) Rollable() bool { return r.Kind != RoleKindAccessory }
