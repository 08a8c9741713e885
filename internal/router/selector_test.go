package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-gateway/pkg/balancer"
	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/resilience"
)

// staticResolver 固定返回实例列表的解析器
type staticResolver struct {
	instances []model.ServiceInstance
	err       error
}

func (r *staticResolver) Resolve(serviceName string) ([]model.ServiceInstance, error) {
	return r.instances, r.err
}

func selectorInstances(n int) []model.ServiceInstance {
	instances := make([]model.ServiceInstance, 0, n)
	for i := 0; i < n; i++ {
		instances = append(instances, model.ServiceInstance{
			ID:      fmt.Sprintf("orders-%d", i),
			Service: "orders",
			Host:    "10.0.0.1",
			Port:    9000 + i,
			Status:  model.StatusUp,
		})
	}
	return instances
}

func testGroup() *resilience.Group {
	return resilience.NewGroup(resilience.Settings{
		WindowSize:   4,
		MinCalls:     4,
		FailureRatio: 0.5,
		CoolDown:     time.Minute,
	}, nil, nil)
}

func TestSelector_Select(t *testing.T) {
	resolver := &staticResolver{instances: selectorInstances(2)}
	s := NewSelector(resolver, balancer.NewRoundRobinBalancer(), testGroup(), nil)

	inst, err := s.Select("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders-0", inst.ID)

	inst, err = s.Select("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders-1", inst.ID)
}

func TestSelector_NoHealthyInstance(t *testing.T) {
	resolver := &staticResolver{instances: nil}
	s := NewSelector(resolver, balancer.NewRoundRobinBalancer(), testGroup(), nil)

	_, err := s.Select("orders")
	assert.ErrorIs(t, err, ErrNoHealthyInstance)
}

func TestSelector_ResolverErrorPropagates(t *testing.T) {
	resolver := &staticResolver{err: fmt.Errorf("发现服务不可达")}
	s := NewSelector(resolver, balancer.NewRoundRobinBalancer(), testGroup(), nil)

	_, err := s.Select("orders")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoHealthyInstance)
}

func TestSelector_ExcludesOpenCircuitInstances(t *testing.T) {
	resolver := &staticResolver{instances: selectorInstances(2)}
	group := testGroup()
	s := NewSelector(resolver, balancer.NewRoundRobinBalancer(), group, nil)

	// 打开orders-0的实例级熔断器
	for i := 0; i < 4; i++ {
		s.RecordResult("orders", "orders-0", false)
	}
	require.Equal(t, resilience.StateOpen,
		group.Breaker(InstanceKey("orders", "orders-0")).State())

	// 存在替代实例时，选择永远落在熔断未打开的实例上
	for i := 0; i < 5; i++ {
		inst, err := s.Select("orders")
		require.NoError(t, err)
		assert.Equal(t, "orders-1", inst.ID)
	}
}

func TestSelector_FallsBackWhenAllCircuitsOpen(t *testing.T) {
	resolver := &staticResolver{instances: selectorInstances(2)}
	group := testGroup()
	s := NewSelector(resolver, balancer.NewRoundRobinBalancer(), group, nil)

	for _, id := range []string{"orders-0", "orders-1"} {
		for i := 0; i < 4; i++ {
			s.RecordResult("orders", id, false)
		}
	}

	// 没有替代实例时不摘除，仍然返回一个实例
	inst, err := s.Select("orders")
	require.NoError(t, err)
	assert.Contains(t, []string{"orders-0", "orders-1"}, inst.ID)
}

func TestSelector_DoneReleasesLeastConn(t *testing.T) {
	resolver := &staticResolver{instances: selectorInstances(2)}
	s := NewSelector(resolver, balancer.NewLeastConnBalancer(), testGroup(), nil)

	first, err := s.Select("orders")
	require.NoError(t, err)
	s.Done(first.ID)

	// 连接归还后，下一次选择仍可落在同一实例
	second, err := s.Select("orders")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
