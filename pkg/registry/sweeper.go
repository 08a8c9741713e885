package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// Evictor 定义过期剔除接口，由MemoryRegistry实现。
// etcd存储依赖etcd自身的租约过期机制，不需要扫描器。
type Evictor interface {
	EvictExpired(now time.Time) []model.ServiceInstance
}

// Sweeper 租约扫描器，周期性剔除过期实例。
// 判定是严格确定性的：now >= 租约过期时间即视为过期，
// 实例连续错过 租约时长/心跳间隔 次续约后必然在下一次扫描被剔除。
type Sweeper struct {
	registry Evictor
	interval time.Duration
	logger   config.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSweeper 创建租约扫描器
func NewSweeper(registry Evictor, interval time.Duration, logger config.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger,
	}
}

// Start 启动周期扫描，非阻塞
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				evicted := s.registry.EvictExpired(now)
				if len(evicted) > 0 {
					s.logger.Info("扫描剔除过期实例",
						zap.Int("count", len(evicted)))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止扫描器并等待后台协程退出
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}
