package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	ID       string            `json:"id,omitempty"`
	Service  string            `json:"service"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
	TTL      int               `json:"ttl,omitempty"`
}

// RegisterResponse 服务注册响应数据
type RegisterResponse struct {
	InstanceID   string    `json:"instance_id"`
	Service      string    `json:"service"`
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register 注册服务实例
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRegistered {
		return fmt.Errorf("服务实例已注册，实例ID: %s", c.instanceID)
	}

	req := RegisterRequest{
		ID:       c.config.InstanceID,
		Service:  c.config.ServiceName,
		Host:     c.config.ServiceHost,
		Port:     c.config.ServicePort,
		Metadata: c.config.Metadata,
		// TTL设置为心跳间隔的3倍
		TTL: int(c.config.HeartbeatInterval.Seconds()) * 3,
	}

	resp, err := c.doRequest(ctx, c.config.ServerAddr, http.MethodPost, "/api/v1/services", req)
	if err != nil {
		return fmt.Errorf("服务注册失败: %w", err)
	}

	var registerResp RegisterResponse
	if err := json.Unmarshal(resp.Data, &registerResp); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	c.instanceID = registerResp.InstanceID
	c.isRegistered = true
	return nil
}

// Deregister 注销服务实例
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRegistered {
		return fmt.Errorf("服务实例尚未注册")
	}

	_, err := c.doRequest(ctx, c.config.ServerAddr, http.MethodDelete, fmt.Sprintf("/api/v1/services/%s", c.instanceID), nil)
	if err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.isRegistered = false
	c.instanceID = ""
	return nil
}

// InstanceID 获取实例ID
func (c *Client) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// IsRegistered 检查服务实例是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}
