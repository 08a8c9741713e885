package model

import "time"

// ApiResponse API统一响应结构
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	ID       string            `json:"id,omitempty"` // 实例ID，为空时由服务端生成
	Service  string            `json:"service"`      // 服务名称
	Host     string            `json:"host"`         // 实例主机地址
	Port     int               `json:"port"`         // 实例端口
	Status   Status            `json:"status,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	TTL      int               `json:"ttl,omitempty"` // 租约时长(秒)，为空时使用服务端默认值
}

// RegisterResponse 服务注册响应
type RegisterResponse struct {
	InstanceID   string    `json:"instance_id"`
	Service      string    `json:"service"`
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	InstanceID string    `json:"instance_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DiscoveryResponse 服务发现查询响应
type DiscoveryResponse struct {
	Service   string            `json:"service"`
	Instances []ServiceInstance `json:"instances"`
}
