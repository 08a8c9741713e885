package balancer

import (
	"sync"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// LeastConnBalancer 最少连接策略，选择在途请求最少的实例
type LeastConnBalancer struct {
	mu          sync.Mutex
	connections map[string]int
}

// NewLeastConnBalancer 创建最少连接负载均衡器
func NewLeastConnBalancer() *LeastConnBalancer {
	return &LeastConnBalancer{
		connections: make(map[string]int),
	}
}

// Select 选择在途连接最少的实例，并将其连接计数加一
func (b *LeastConnBalancer) Select(instances []model.ServiceInstance) (*model.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var selected *model.ServiceInstance
	minConnections := int(^uint(0) >> 1)
	for i := range instances {
		if connections := b.connections[instances[i].ID]; connections < minConnections {
			minConnections = connections
			selected = &instances[i]
		}
	}

	b.connections[selected.ID]++
	inst := *selected
	return &inst, nil
}

// Done 请求结束，归还连接计数
func (b *LeastConnBalancer) Done(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connections[instanceID] > 0 {
		b.connections[instanceID]--
	}
	if b.connections[instanceID] == 0 {
		delete(b.connections, instanceID)
	}
}

// Name 返回策略名称
func (b *LeastConnBalancer) Name() string {
	return string(StrategyLeastConn)
}
