package dns

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

// Server DNS服务器，按配置监听UDP和TCP
type Server struct {
	udpServer *dns.Server
	tcpServer *dns.Server
	cache     *Cache
	logger    config.Logger
	cancel    context.CancelFunc
}

// NewServer 创建DNS服务器
func NewServer(reg registry.Registry, cfg *config.Config, logger config.Logger) *Server {
	cache := NewCache(cfg.DNS.CacheTTL)
	records := NewRecordBuilder(reg, cfg.DNS.Domain, cfg.DNS.CacheTTL)
	upstream := NewUpstreamResolver(cfg.DNS.UpstreamDNS, cache)
	handler := NewHandler(records, upstream, logger)

	addr := fmt.Sprintf("%s:%d", cfg.DNS.ListenAddress, cfg.DNS.Port)
	s := &Server{
		cache:  cache,
		logger: logger,
	}
	if cfg.DNS.Protocol != "tcp" {
		s.udpServer = &dns.Server{Addr: addr, Net: "udp", Handler: handler}
	}
	if cfg.DNS.Protocol != "udp" {
		s.tcpServer = &dns.Server{Addr: addr, Net: "tcp", Handler: handler}
	}
	return s
}

// Start 启动DNS服务器
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// 定期清理过期的上游响应缓存
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cache.CleanupExpired()
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.udpServer != nil {
		go func() {
			s.logger.Info("DNS UDP服务器启动", zap.String("addr", s.udpServer.Addr))
			if err := s.udpServer.ListenAndServe(); err != nil {
				s.logger.Error("DNS UDP服务器启动失败", zap.Error(err))
			}
		}()
	}

	if s.tcpServer != nil {
		go func() {
			s.logger.Info("DNS TCP服务器启动", zap.String("addr", s.tcpServer.Addr))
			if err := s.tcpServer.ListenAndServe(); err != nil {
				s.logger.Error("DNS TCP服务器启动失败", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			s.logger.Error("关闭DNS UDP服务器失败", zap.Error(err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			s.logger.Error("关闭DNS TCP服务器失败", zap.Error(err))
		}
	}
	return nil
}
