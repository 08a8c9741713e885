package balancer

import (
	"sync/atomic"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// RoundRobinBalancer 轮询策略，使用原子计数器实现无锁选择
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// NewRoundRobinBalancer 创建轮询负载均衡器
func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

// Select 按顺序选择下一个实例
func (b *RoundRobinBalancer) Select(instances []model.ServiceInstance) (*model.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	inst := instances[index]
	return &inst, nil
}

// Name 返回策略名称
func (b *RoundRobinBalancer) Name() string {
	return string(StrategyRoundRobin)
}
