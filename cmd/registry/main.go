package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/apihandler"
	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/internal/dns"
	"github.com/hewenyu/mesh-gateway/internal/registration"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "", "配置文件路径")
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

	// 创建上下文，用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// 按配置选择注册表存储后端
	var (
		reg     registry.Registry
		sweeper *registry.Sweeper
	)
	switch cfg.Registry.Store {
	case "etcd":
		etcdReg, err := registry.NewEtcdRegistry(&registry.EtcdConfig{
			Endpoints:  cfg.Registry.Etcd.Endpoints,
			Username:   cfg.Registry.Etcd.Username,
			Password:   cfg.Registry.Etcd.Password,
			Prefix:     cfg.Registry.Etcd.Prefix,
			DefaultTTL: cfg.Registry.Lease.TTL,
		}, logger)
		if err != nil {
			logger.Fatal("初始化etcd注册表失败", zap.Error(err))
		}
		reg = etcdReg
		logger.Info("使用etcd注册表", zap.Strings("endpoints", cfg.Registry.Etcd.Endpoints))
	default:
		memReg := registry.NewMemoryRegistry(cfg.Registry.Lease.TTL, logger)
		reg = memReg

		// 内存注册表需要后台清理过期租约
		sweeper = registry.NewSweeper(memReg, cfg.Registry.Lease.SweepInterval, logger)
		sweeper.Start(ctx)
		logger.Info("使用内存注册表",
			zap.Duration("lease_ttl", cfg.Registry.Lease.TTL),
			zap.Duration("sweep_interval", cfg.Registry.Lease.SweepInterval))
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("关闭注册表失败", zap.Error(err))
		}
	}()

	// 启动服务注册API
	registrationServer := registration.NewServer(reg, cfg, logger)
	if err := registrationServer.Start(); err != nil {
		logger.Fatal("启动服务注册API失败", zap.Error(err))
	}

	// 启动服务发现查询API
	discoveryServer := apihandler.NewServer(reg, cfg, logger)
	if err := discoveryServer.Start(); err != nil {
		logger.Fatal("启动服务发现查询API失败", zap.Error(err))
	}

	// 启动DNS服务
	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer = dns.NewServer(reg, cfg, logger)
		if err := dnsServer.Start(ctx); err != nil {
			logger.Fatal("启动DNS服务失败", zap.Error(err))
		}
	}

	logger.Info("注册中心已启动",
		zap.Int("registration_port", cfg.API.Registration.Port),
		zap.Int("discovery_port", cfg.API.Discovery.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled))

	// 等待终止信号
	sig := <-signalChan
	logger.Info("接收到信号，准备关闭服务", zap.String("signal", sig.String()))

	cancel()
	if sweeper != nil {
		sweeper.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := registrationServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭服务注册API失败", zap.Error(err))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := discoveryServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭服务发现查询API失败", zap.Error(err))
		}
	}()
	if dnsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dnsServer.Stop(); err != nil {
				logger.Error("关闭DNS服务失败", zap.Error(err))
			}
		}()
	}
	wg.Wait()

	logger.Info("注册中心已关闭")
}
