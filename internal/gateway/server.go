package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// Server 表示网关HTTP服务
type Server struct {
	e      *echo.Echo
	host   string
	port   int
	logger config.Logger
}

// NewServer 创建网关HTTP服务
func NewServer(cfg *config.Config, proxy *Proxy, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if cfg.Gateway.RateLimit.Enabled {
		e.Use(RateLimit(cfg.Gateway.RateLimit.RPS, cfg.Gateway.RateLimit.Burst))
	}

	// 网关自身的健康检查，优先于通配路由匹配
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &model.ApiResponse{
			Code:    http.StatusOK,
			Message: "ok",
		})
	})
	e.Any("/*", proxy.Handle)

	return &Server{
		e:      e,
		host:   cfg.Gateway.ListenAddress,
		port:   cfg.Gateway.Port,
		logger: logger,
	}
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("网关服务启动", zap.String("addr", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("网关服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
