package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// ErrServiceUnavailable 从未获取到服务快照且本次获取也失败
var ErrServiceUnavailable = errors.New("服务不可用：没有可用的服务快照")

// Resolver 定义服务解析接口，路由器通过它查询目标服务的实例列表
type Resolver interface {
	Resolve(serviceName string) ([]model.ServiceInstance, error)
}

// Source 定义快照来源。进程内部署时直接包装注册表，
// 独立网关部署时通过服务发现API拉取，两种部署共用同一个缓存客户端。
type Source interface {
	Fetch(ctx context.Context, serviceName string) ([]model.ServiceInstance, error)
}

// EventSource 支持推送变更事件的快照来源
type EventSource interface {
	Subscribe(buffer int) (<-chan model.ChangeEvent, func())
}

// Options 缓存客户端配置
type Options struct {
	// 定时刷新间隔，默认10s
	RefreshInterval time.Duration
	// 单次拉取超时时间，默认3s
	FetchTimeout time.Duration
	// 事件通道缓冲大小
	EventBuffer int
}

// cacheEntry 单个服务的快照缓存
type cacheEntry struct {
	instances []model.ServiceInstance
	fetchedAt time.Time
}

// CachingClient 服务发现客户端。
// 为每个服务维护最近一次成功获取的快照，通过定时刷新和变更事件保持更新。
// Resolve在缓存命中时从不等待网络，陈旧数据也照常返回；
// 只有一次快照都未获取到时才返回ErrServiceUnavailable。
type CachingClient struct {
	source Source
	opts   Options
	logger config.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCachingClient 创建服务发现客户端
func NewCachingClient(source Source, opts Options, logger config.Logger) *CachingClient {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &CachingClient{
		source: source,
		opts:   opts,
		logger: logger,
		cache:  make(map[string]*cacheEntry),
	}
}

// Start 启动后台刷新，非阻塞
func (c *CachingClient) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	var events <-chan model.ChangeEvent
	var unsubscribe func()
	if es, ok := c.source.(EventSource); ok {
		events, unsubscribe = es.Subscribe(c.opts.EventBuffer)
	}

	go func() {
		defer close(c.done)
		if unsubscribe != nil {
			defer unsubscribe()
		}

		ticker := time.NewTicker(c.opts.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.refreshAll(ctx)
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				// 只刷新已被解析过的服务
				if c.cached(ev.Service) {
					c.refresh(ctx, ev.Service)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止后台刷新
func (c *CachingClient) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
}

// Resolve 解析服务实例列表。缓存命中时直接返回，不等待网络。
func (c *CachingClient) Resolve(serviceName string) ([]model.ServiceInstance, error) {
	c.mu.RLock()
	entry, ok := c.cache[serviceName]
	c.mu.RUnlock()
	if ok {
		return entry.instances, nil
	}

	// 首次解析：同步拉取一次
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
	defer cancel()

	instances, err := c.source.Fetch(ctx, serviceName)
	if err != nil {
		c.logger.Warn("拉取服务快照失败",
			zap.String("service", serviceName),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, serviceName)
	}
	c.store(serviceName, instances)
	return instances, nil
}

// cached 判断服务是否已有缓存
func (c *CachingClient) cached(serviceName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.cache[serviceName]
	return ok
}

// store 写入快照缓存
func (c *CachingClient) store(serviceName string, instances []model.ServiceInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[serviceName] = &cacheEntry{
		instances: instances,
		fetchedAt: time.Now(),
	}
}

// refresh 刷新单个服务的快照，失败时保留旧快照
func (c *CachingClient) refresh(ctx context.Context, serviceName string) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	instances, err := c.source.Fetch(fetchCtx, serviceName)
	if err != nil {
		c.logger.Warn("刷新服务快照失败，继续使用旧快照",
			zap.String("service", serviceName),
			zap.Error(err))
		return
	}
	c.store(serviceName, instances)
}

// refreshAll 刷新所有已缓存服务的快照
func (c *CachingClient) refreshAll(ctx context.Context) {
	c.mu.RLock()
	names := make([]string, 0, len(c.cache))
	for name := range c.cache {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		c.refresh(ctx, name)
	}
}
