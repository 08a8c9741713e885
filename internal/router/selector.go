package router

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/balancer"
	"github.com/hewenyu/mesh-gateway/pkg/discovery"
	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/resilience"
)

// InstanceKey 实例级熔断器的key
func InstanceKey(serviceName, instanceID string) string {
	return serviceName + "/" + instanceID
}

// Selector 实例选择器。从发现客户端解析实例列表、
// 摘除熔断打开的实例（存在替代实例时），再交给负载均衡策略选择。
type Selector struct {
	resolver discovery.Resolver
	balancer balancer.Balancer
	circuits *resilience.Group // 实例级熔断器
	logger   config.Logger
}

// NewSelector 创建实例选择器
func NewSelector(resolver discovery.Resolver, bal balancer.Balancer, circuits *resilience.Group, logger config.Logger) *Selector {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Selector{
		resolver: resolver,
		balancer: bal,
		circuits: circuits,
		logger:   logger,
	}
}

// Select 为目标服务选择一个实例
func (s *Selector) Select(serviceName string) (*model.ServiceInstance, error) {
	instances, err := s.resolver.Resolve(serviceName)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, serviceName)
	}

	// 摘除熔断打开的实例；全部打开时退回完整列表，
	// 由服务级熔断器决定是否快速失败
	candidates := instances
	if s.circuits != nil {
		available := make([]model.ServiceInstance, 0, len(instances))
		for _, inst := range instances {
			if s.circuits.Breaker(InstanceKey(serviceName, inst.ID)).State() != resilience.StateOpen {
				available = append(available, inst)
			}
		}
		if len(available) > 0 {
			candidates = available
		} else {
			s.logger.Warn("目标服务的所有实例熔断均已打开",
				zap.String("service", serviceName),
				zap.Int("instances", len(instances)))
		}
	}

	inst, err := s.balancer.Select(candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, serviceName)
	}
	return inst, nil
}

// Done 请求结束回调，归还最少连接策略的连接计数
func (s *Selector) Done(instanceID string) {
	if tracker, ok := s.balancer.(balancer.ConnectionTracker); ok {
		tracker.Done(instanceID)
	}
}

// RecordResult 记录一次下游调用结果到实例级熔断器
func (s *Selector) RecordResult(serviceName, instanceID string, success bool) {
	if s.circuits == nil {
		return
	}
	s.circuits.Breaker(InstanceKey(serviceName, instanceID)).Record(success)
}
