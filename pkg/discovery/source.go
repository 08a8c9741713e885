package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

// RegistrySource 进程内快照来源，直接包装注册表。
// 服务端发现部署（注册中心内嵌路由器）使用这种来源。
type RegistrySource struct {
	registry registry.Registry
}

// NewRegistrySource 创建进程内快照来源
func NewRegistrySource(reg registry.Registry) *RegistrySource {
	return &RegistrySource{registry: reg}
}

// Fetch 实现Source接口
func (s *RegistrySource) Fetch(ctx context.Context, serviceName string) ([]model.ServiceInstance, error) {
	return s.registry.Snapshot(serviceName), nil
}

// Subscribe 实现EventSource接口，透传注册表变更事件
func (s *RegistrySource) Subscribe(buffer int) (<-chan model.ChangeEvent, func()) {
	return s.registry.Subscribe(buffer)
}

// HTTPSource 远程快照来源，通过服务发现查询API拉取。
// 客户端发现部署（独立网关进程）使用这种来源。
type HTTPSource struct {
	serverAddr string
	httpClient *http.Client
}

// NewHTTPSource 创建远程快照来源，serverAddr形如 "localhost:8082"
func NewHTTPSource(serverAddr string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		serverAddr: serverAddr,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch 实现Source接口
func (s *HTTPSource) Fetch(ctx context.Context, serviceName string) ([]model.ServiceInstance, error) {
	url := fmt.Sprintf("http://%s/api/v1/discovery/%s", s.serverAddr, serviceName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求服务发现API失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("服务发现API返回错误状态: %d", resp.StatusCode)
	}

	var apiResp struct {
		Code    int                     `json:"code"`
		Message string                  `json:"message"`
		Data    model.DiscoveryResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}

	instances := apiResp.Data.Instances
	if instances == nil {
		instances = []model.ServiceInstance{}
	}
	return instances, nil
}
