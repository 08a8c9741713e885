package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/internal/gateway"
	"github.com/hewenyu/mesh-gateway/internal/router"
	"github.com/hewenyu/mesh-gateway/pkg/balancer"
	"github.com/hewenyu/mesh-gateway/pkg/discovery"
	"github.com/hewenyu/mesh-gateway/pkg/resilience"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

// resilienceSettings 将配置转换为容错参数
func resilienceSettings(rc config.ResilienceConfig) resilience.Settings {
	return resilience.Settings{
		WindowSize:       rc.WindowSize,
		MinCalls:         rc.MinCalls,
		FailureRatio:     rc.FailureRatio,
		CoolDown:         rc.CoolDown,
		HalfOpenMaxCalls: rc.HalfOpenMaxCalls,
		MaxConcurrent:    rc.MaxConcurrent,
		CallTimeout:      rc.CallTimeout,
	}
}

func main() {
	flag.Parse()

	if configFile == "" {
		configFile = config.GetDefaultConfigPath()
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// 编译路由规则表
	table, err := router.NewTable(cfg.Gateway.Routes)
	if err != nil {
		logger.Fatal("路由规则无效", zap.Error(err))
	}

	// 服务发现缓存客户端，通过发现查询API拉取实例
	source := discovery.NewHTTPSource(cfg.Gateway.DiscoveryAddr, 3*time.Second)
	resolver := discovery.NewCachingClient(source, discovery.Options{
		RefreshInterval: cfg.Gateway.RefreshInterval,
	}, logger)
	resolver.Start(ctx)
	defer resolver.Stop()

	bal, err := balancer.New(balancer.Strategy(cfg.Gateway.Strategy))
	if err != nil {
		logger.Fatal("负载均衡策略无效", zap.Error(err))
	}

	// 容错参数：默认值加按服务覆盖
	defaults := resilienceSettings(cfg.Gateway.Resilience.Default)
	overrides := make(map[string]resilience.Settings, len(cfg.Gateway.Resilience.Services))
	for name, rc := range cfg.Gateway.Resilience.Services {
		overrides[name] = resilienceSettings(rc)
	}

	onStateChange := func(name string, from, to resilience.State) {
		logger.Warn("熔断器状态变更",
			zap.String("name", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	// 服务级熔断器/舱壁用于快速失败，实例级熔断器用于摘除故障实例
	services := resilience.NewGroup(defaults, overrides, onStateChange)
	instances := resilience.NewGroup(defaults, overrides, onStateChange)

	selector := router.NewSelector(resolver, bal, instances, logger)
	proxy := gateway.NewProxy(table, selector, services, logger)

	server := gateway.NewServer(cfg, proxy, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("启动网关失败", zap.Error(err))
	}

	logger.Info("网关已启动",
		zap.Int("port", cfg.Gateway.Port),
		zap.String("discovery_addr", cfg.Gateway.DiscoveryAddr),
		zap.String("strategy", cfg.Gateway.Strategy),
		zap.Int("routes", len(cfg.Gateway.Routes)))

	sig := <-signalChan
	logger.Info("接收到信号，准备关闭网关", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭网关失败", zap.Error(err))
	}

	logger.Info("网关已关闭")
}
