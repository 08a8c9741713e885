package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Instance 服务实例信息
type Instance struct {
	ID           string            `json:"id"`
	Service      string            `json:"service"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Addr 返回实例的host:port地址
func (i *Instance) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// discoveryData 服务发现查询响应数据
type discoveryData struct {
	Service   string     `json:"service"`
	Instances []Instance `json:"instances"`
}

// Resolve 查询服务的可用实例列表
func (c *Client) Resolve(ctx context.Context, serviceName string) ([]Instance, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}

	resp, err := c.doRequest(ctx, c.config.DiscoveryAddr, http.MethodGet, fmt.Sprintf("/api/v1/discovery/%s", serviceName), nil)
	if err != nil {
		return nil, fmt.Errorf("查询服务实例失败: %w", err)
	}

	var data discoveryData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("解析服务实例列表失败: %w", err)
	}
	return data.Instances, nil
}

// Watch 长轮询等待服务变更，返回变更后（或等待超时后）的实例列表
func (c *Client) Watch(ctx context.Context, serviceName string, timeout time.Duration) ([]Instance, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}

	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 30
	}

	// 长轮询时HTTP客户端超时需要长于等待时间
	watchClient := &http.Client{Timeout: time.Duration(secs+5) * time.Second}
	url := c.buildURL(c.config.DiscoveryAddr, fmt.Sprintf("/api/v1/discovery/%s/watch?timeout=%d", serviceName, secs))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	httpResp, err := watchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("监听服务变更失败: %w", err)
	}
	defer httpResp.Body.Close()

	var apiResp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API请求失败: %s (状态码: %d)", apiResp.Message, httpResp.StatusCode)
	}

	var data discoveryData
	if err := json.Unmarshal(apiResp.Data, &data); err != nil {
		return nil, fmt.Errorf("解析服务实例列表失败: %w", err)
	}
	return data.Instances, nil
}

// Services 查询已注册的服务名称列表
func (c *Client) Services(ctx context.Context) ([]string, error) {
	resp, err := c.doRequest(ctx, c.config.DiscoveryAddr, http.MethodGet, "/api/v1/services", nil)
	if err != nil {
		return nil, fmt.Errorf("查询服务列表失败: %w", err)
	}

	var data struct {
		Services []string `json:"services"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("解析服务列表失败: %w", err)
	}
	return data.Services, nil
}
