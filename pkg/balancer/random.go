package balancer

import (
	"math/rand"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// RandomBalancer 随机策略
type RandomBalancer struct{}

// NewRandomBalancer 创建随机负载均衡器
func NewRandomBalancer() *RandomBalancer {
	return &RandomBalancer{}
}

// Select 随机选择一个实例
func (b *RandomBalancer) Select(instances []model.ServiceInstance) (*model.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	inst := instances[rand.Intn(len(instances))]
	return &inst, nil
}

// Name 返回策略名称
func (b *RandomBalancer) Name() string {
	return string(StrategyRandom)
}
