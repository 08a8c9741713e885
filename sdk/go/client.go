package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Config SDK客户端配置
type Config struct {
	// 服务注册API地址，如 "localhost:8081"
	ServerAddr string `json:"server_addr"`
	// 服务发现查询API地址，如 "localhost:8082"，为空时使用ServerAddr
	DiscoveryAddr string `json:"discovery_addr"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 实例ID，为空时由服务端生成
	InstanceID string `json:"instance_id"`
	// 实例主机地址
	ServiceHost string `json:"service_host"`
	// 实例端口
	ServicePort int `json:"service_port"`
	// 元数据
	Metadata map[string]string `json:"metadata"`
	// 心跳间隔，租约TTL为心跳间隔的3倍
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	httpClient *http.Client

	mu           sync.Mutex
	instanceID   string
	isRegistered bool
	stopChan     chan struct{}
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	// 验证必填配置
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	if config.ServiceHost == "" {
		return nil, fmt.Errorf("实例主机地址不能为空")
	}
	if config.ServicePort <= 0 {
		return nil, fmt.Errorf("实例端口必须大于0")
	}

	// 设置默认值
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.DiscoveryAddr == "" {
		config.DiscoveryAddr = config.ServerAddr
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// 构建API地址
func (c *Client) buildURL(addr, path string) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, addr, path)
}

// 发送HTTP请求
func (c *Client) doRequest(ctx context.Context, addr, method, path string, body interface{}) (*Response, error) {
	url := c.buildURL(addr, path)

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return &apiResp, fmt.Errorf("API请求失败: %s (状态码: %d)", apiResp.Message, resp.StatusCode)
	}
	return &apiResp, nil
}
