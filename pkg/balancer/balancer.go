package balancer

import (
	"errors"
	"fmt"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// ErrNoInstances 实例列表为空
var ErrNoInstances = errors.New("没有可用的服务实例")

// Balancer 定义负载均衡策略接口。
// Select在每次请求时调用，必须是并发安全的。
type Balancer interface {
	// Select 从实例列表中选择一个实例
	Select(instances []model.ServiceInstance) (*model.ServiceInstance, error)

	// Name 返回策略名称
	Name() string
}

// ConnectionTracker 跟踪在途连接的策略（最少连接）实现此接口，
// 调用方在请求结束后调用Done归还连接计数。
type ConnectionTracker interface {
	Done(instanceID string)
}

// Strategy 负载均衡策略名称
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyLeastConn  Strategy = "least_conn"
)

// New 根据策略名称创建负载均衡器
func New(strategy Strategy) (Balancer, error) {
	switch strategy {
	case StrategyRoundRobin, "":
		return NewRoundRobinBalancer(), nil
	case StrategyRandom:
		return NewRandomBalancer(), nil
	case StrategyLeastConn:
		return NewLeastConnBalancer(), nil
	default:
		return nil, fmt.Errorf("未知的负载均衡策略: %s", strategy)
	}
}
