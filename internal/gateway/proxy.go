package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/internal/router"
	"github.com/hewenyu/mesh-gateway/pkg/balancer"
	"github.com/hewenyu/mesh-gateway/pkg/discovery"
	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/resilience"
)

// ErrUpstreamTimeout 下游服务调用超时
var ErrUpstreamTimeout = errors.New("下游服务调用超时")

// hop-by-hop头不随请求转发
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy 网关转发处理器。
//
// 每个请求依次经过：路由匹配、舱壁占位、实例选择、熔断判定、转发。
// 舱壁在实例选择之前占位，保证半开状态的试探名额不会被排队请求白白
// 消耗；调用结果同时记入服务级与实例级熔断器。
type Proxy struct {
	table    *router.Table
	selector *router.Selector
	services *resilience.Group
	client   *http.Client
	logger   config.Logger
}

// NewProxy 创建网关转发处理器，services为服务级熔断器/舱壁组
func NewProxy(table *router.Table, selector *router.Selector, services *resilience.Group, logger config.Logger) *Proxy {
	return &Proxy{
		table:    table,
		selector: selector,
		services: services,
		client: &http.Client{
			// 超时由每次请求的context控制
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Handle 网关统一入口
func (p *Proxy) Handle(c echo.Context) error {
	req := c.Request()

	serviceName, targetPath, err := p.table.Route(req.URL.Path)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "没有匹配的路由规则: "+req.URL.Path))
	}

	bulkhead := p.services.Bulkhead(serviceName)
	if err := bulkhead.Acquire(); err != nil {
		return c.JSON(http.StatusTooManyRequests, errorResponse(http.StatusTooManyRequests, "服务并发已达上限: "+serviceName))
	}
	defer bulkhead.Release()

	inst, err := p.selector.Select(serviceName)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrNoHealthyInstance), errors.Is(err, balancer.ErrNoInstances):
			return c.JSON(http.StatusServiceUnavailable, errorResponse(http.StatusServiceUnavailable, "服务没有可用实例: "+serviceName))
		case errors.Is(err, discovery.ErrServiceUnavailable):
			return c.JSON(http.StatusServiceUnavailable, errorResponse(http.StatusServiceUnavailable, "服务发现暂不可用: "+serviceName))
		default:
			p.logger.Warn("选择实例失败", zap.String("service", serviceName), zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, errorResponse(http.StatusServiceUnavailable, "选择实例失败: "+serviceName))
		}
	}
	defer p.selector.Done(inst.ID)

	breaker := p.services.Breaker(serviceName)
	if !breaker.Allow() {
		return c.JSON(http.StatusServiceUnavailable, errorResponse(http.StatusServiceUnavailable, "服务熔断中: "+serviceName))
	}

	failed, err := p.forward(c, inst, targetPath)
	success := err == nil && !failed
	breaker.Record(success)
	p.selector.RecordResult(serviceName, inst.ID, success)

	if err != nil {
		if errors.Is(err, ErrUpstreamTimeout) {
			return c.JSON(http.StatusGatewayTimeout, errorResponse(http.StatusGatewayTimeout, "下游服务调用超时: "+serviceName))
		}
		p.logger.Warn("转发请求失败",
			zap.String("service", serviceName),
			zap.String("instance", inst.ID),
			zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorResponse(http.StatusBadGateway, "下游服务不可达: "+serviceName))
	}
	return nil
}

// forward 将请求转发到目标实例并写回响应。
// 返回的failed表示该次调用计为失败：5xx响应原样透传给客户端，
// 但仍计入熔断窗口。
func (p *Proxy) forward(c echo.Context, inst *model.ServiceInstance, targetPath string) (bool, error) {
	req := c.Request()

	timeout := p.services.SettingsFor(inst.Service).CallTimeout
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()

	target := "http://" + inst.Addr() + targetPath
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return true, err
	}
	copyRequestHeaders(outReq.Header, req.Header)
	if clientIP, _, splitErr := net.SplitHostPort(req.RemoteAddr); splitErr == nil {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}
	outReq.Header.Set("X-Forwarded-Host", req.Host)

	resp, err := p.client.Do(outReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return true, ErrUpstreamTimeout
		}
		return true, err
	}
	defer resp.Body.Close()

	header := c.Response().Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		p.logger.Warn("写回响应失败", zap.Error(err))
	}

	return resp.StatusCode >= http.StatusInternalServerError, nil
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}
