package model

import (
	"fmt"
	"time"
)

// Status 表示服务实例的健康状态
type Status string

const (
	// StatusUp 实例健康，可以接收流量
	StatusUp Status = "UP"
	// StatusStarting 实例正在启动，尚未准备好接收流量
	StatusStarting Status = "STARTING"
	// StatusOutOfService 实例被手动摘除，不接收流量
	StatusOutOfService Status = "OUT_OF_SERVICE"
	// StatusDown 实例已失联（租约过期）
	StatusDown Status = "DOWN"
	// StatusUnknown 未知状态
	StatusUnknown Status = "UNKNOWN"
)

// ServiceInstance 表示一个已注册的服务实例
type ServiceInstance struct {
	ID           string            `json:"id"`            // 实例唯一ID
	Service      string            `json:"service"`       // 服务名称
	Host         string            `json:"host"`          // 实例主机地址
	Port         int               `json:"port"`          // 实例端口
	Status       Status            `json:"status"`        // 健康状态
	Metadata     map[string]string `json:"metadata"`      // 实例元数据
	RegisteredAt time.Time         `json:"registered_at"` // 注册时间
	LastRenewal  time.Time         `json:"last_renewal"`  // 最后续约时间
	TTL          int               `json:"ttl"`           // 租约时长(秒)
}

// Addr 返回实例的网络地址
func (s *ServiceInstance) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Lease 表示实例持有的租约
type Lease struct {
	InstanceID string        `json:"instance_id"` // 实例ID
	Service    string        `json:"service"`     // 服务名称
	Duration   time.Duration `json:"duration"`    // 租约时长
	ExpiresAt  time.Time     `json:"expires_at"`  // 过期时间
}

// Expired 判断租约在指定时刻是否已过期
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// EventType 表示注册表变更事件类型
type EventType string

const (
	// EventAdded 实例注册
	EventAdded EventType = "added"
	// EventRemoved 实例注销
	EventRemoved EventType = "removed"
	// EventStatusChanged 实例状态变更
	EventStatusChanged EventType = "status_changed"
	// EventExpired 实例租约过期被剔除
	EventExpired EventType = "expired"
)

// ChangeEvent 表示注册表的一次变更，供观察者（路由缓存、DNS等）消费
type ChangeEvent struct {
	Type      EventType       `json:"type"`
	Service   string          `json:"service"`
	Instance  ServiceInstance `json:"instance"`
	Timestamp time.Time       `json:"timestamp"`
}
