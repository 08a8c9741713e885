package apihandler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

// Server 表示服务发现查询API服务
type Server struct {
	e      *echo.Echo
	host   string
	port   int
	logger config.Logger
}

// NewServer 创建一个新的服务发现查询API服务
func NewServer(reg registry.Registry, cfg *config.Config, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// 添加中间件
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// 注册路由
	NewHandler(reg, logger).RegisterRoutes(e)

	return &Server{
		e:      e,
		host:   cfg.API.Discovery.ListenAddress,
		port:   cfg.API.Discovery.Port,
		logger: logger,
	}
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("服务发现查询API服务启动", zap.String("addr", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("服务发现查询API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
