package registration

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

// Handler 处理服务注册相关的HTTP请求
type Handler struct {
	registry registry.Registry
}

// NewHandler 创建一个新的服务注册处理器
func NewHandler(reg registry.Registry) *Handler {
	return &Handler{
		registry: reg,
	}
}

// RegisterRoutes 注册API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 服务注册
	api.POST("/services", h.registerInstance)

	// 服务注销
	api.DELETE("/services/:instanceId", h.deregisterInstance)

	// 租约续期
	api.PUT("/services/:instanceId/heartbeat", h.heartbeat)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// registryErrorStatus 将注册表错误映射为HTTP状态码
func registryErrorStatus(err error) int {
	var re *registry.RegistryError
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}
	switch re.Code {
	case registry.ErrDuplicateInstance:
		return http.StatusConflict
	case registry.ErrNotFound:
		return http.StatusNotFound
	case registry.ErrInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// registerInstance 处理服务注册请求
func (h *Handler) registerInstance(c echo.Context) error {
	// 解析请求参数
	req := new(model.RegisterRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	// 校验必填字段
	if req.Service == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}
	if req.Host == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例主机地址不能为空"))
	}
	if req.Port <= 0 || req.Port > 65535 {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的实例端口"))
	}

	// 未提供实例ID时由服务端生成
	instanceID := req.ID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	instance := &model.ServiceInstance{
		ID:           instanceID,
		Service:      req.Service,
		Host:         req.Host,
		Port:         req.Port,
		Status:       req.Status,
		Metadata:     req.Metadata,
		TTL:          req.TTL,
		RegisteredAt: time.Now(),
	}

	lease, err := h.registry.Register(c.Request().Context(), instance)
	if err != nil {
		status := registryErrorStatus(err)
		return c.JSON(status, errorResponse(status, "注册服务实例失败: "+err.Error()))
	}

	resp := &model.RegisterResponse{
		InstanceID:   instanceID,
		Service:      req.Service,
		ExpiresAt:    lease.ExpiresAt,
		RegisteredAt: instance.RegisteredAt,
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注册成功", resp))
}

// deregisterInstance 处理服务注销请求
func (h *Handler) deregisterInstance(c echo.Context) error {
	instanceID := c.Param("instanceId")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	if err := h.registry.Deregister(c.Request().Context(), instanceID); err != nil {
		status := registryErrorStatus(err)
		return c.JSON(status, errorResponse(status, "注销服务实例失败: "+err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注销成功", nil))
}

// heartbeat 处理租约续期请求
func (h *Handler) heartbeat(c echo.Context) error {
	instanceID := c.Param("instanceId")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	lease, err := h.registry.Renew(c.Request().Context(), instanceID)
	if err != nil {
		status := registryErrorStatus(err)
		return c.JSON(status, errorResponse(status, "租约续期失败: "+err.Error()))
	}

	resp := &model.HeartbeatResponse{
		InstanceID: lease.InstanceID,
		ExpiresAt:  lease.ExpiresAt,
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "租约续期成功", resp))
}
