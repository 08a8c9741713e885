package apihandler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

// 长轮询等待时间的默认值与上限
const (
	defaultWatchTimeout = 30 * time.Second
	maxWatchTimeout     = 300 * time.Second
)

// Handler 处理服务发现查询相关的HTTP请求
type Handler struct {
	registry  registry.Registry
	logger    config.Logger
	startTime time.Time
}

// NewHandler 创建一个新的服务发现查询处理器
func NewHandler(reg registry.Registry, logger config.Logger) *Handler {
	return &Handler{
		registry:  reg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// RegisterRoutes 注册API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// 健康检查端点
	e.GET("/health", h.health)

	// 运行指标
	e.GET("/metrics", h.metrics)

	api := e.Group("/api/v1")

	// 获取已注册的服务名称列表
	api.GET("/services", h.listServices)

	// 查询服务的可用实例
	api.GET("/discovery/:service", h.discoverService)

	// 长轮询监听服务变更
	api.GET("/discovery/:service/watch", h.watchService)
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "mesh-gateway-discovery-api",
	})
}

// metrics 返回注册中心的运行指标
func (h *Handler) metrics(c echo.Context) error {
	services := h.registry.Services()
	instanceCount := 0
	for _, name := range services {
		instanceCount += len(h.registry.Snapshot(name))
	}
	return c.JSON(http.StatusOK, &model.ApiResponse{
		Code:    http.StatusOK,
		Message: "查询成功",
		Data: map[string]interface{}{
			"service_count":  len(services),
			"instance_count": instanceCount,
			"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		},
	})
}

// listServices 返回当前已注册的服务名称列表
func (h *Handler) listServices(c echo.Context) error {
	services := h.registry.Services()
	return c.JSON(http.StatusOK, &model.ApiResponse{
		Code:    http.StatusOK,
		Message: "查询成功",
		Data: map[string]interface{}{
			"services": services,
			"count":    len(services),
		},
	})
}

// discoverService 返回服务的可用实例快照
func (h *Handler) discoverService(c echo.Context) error {
	serviceName := c.Param("service")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, &model.ApiResponse{
			Code:    http.StatusBadRequest,
			Message: "服务名称不能为空",
		})
	}
	return h.snapshotResponse(c, serviceName)
}

// watchService 长轮询监听服务变更：服务发生变更或等待超时后
// 返回当时的实例快照。
func (h *Handler) watchService(c echo.Context) error {
	serviceName := c.Param("service")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, &model.ApiResponse{
			Code:    http.StatusBadRequest,
			Message: "服务名称不能为空",
		})
	}

	timeout := defaultWatchTimeout
	if raw := c.QueryParam("timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
			if timeout > maxWatchTimeout {
				timeout = maxWatchTimeout
			}
		}
	}

	events, cancel := h.registry.Subscribe(16)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok || ev.Service == serviceName {
				return h.snapshotResponse(c, serviceName)
			}
		case <-timer.C:
			return h.snapshotResponse(c, serviceName)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handler) snapshotResponse(c echo.Context, serviceName string) error {
	instances := h.registry.Snapshot(serviceName)
	if instances == nil {
		instances = []model.ServiceInstance{}
	}
	return c.JSON(http.StatusOK, &model.ApiResponse{
		Code:    http.StatusOK,
		Message: "查询成功",
		Data: &model.DiscoveryResponse{
			Service:   serviceName,
			Instances: instances,
		},
	})
}
