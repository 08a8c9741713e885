package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

func newTestInstance(service, id string, port int) *model.ServiceInstance {
	return &model.ServiceInstance{
		ID:       id,
		Service:  service,
		Host:     "10.0.0.1",
		Port:     port,
		Metadata: map[string]string{"version": "1.0"},
	}
}

func TestMemoryRegistry_Register(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	lease, err := r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "orders-1", lease.InstanceID)
	assert.Equal(t, "orders", lease.Service)
	assert.Equal(t, 30*time.Second, lease.Duration)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	// 注册后实例默认UP状态
	inst, err := r.Instance("orders-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, inst.Status)
	assert.False(t, inst.RegisteredAt.IsZero())
	assert.False(t, inst.LastRenewal.IsZero())

	// 无效参数
	_, err = r.Register(ctx, &model.ServiceInstance{})
	assert.Error(t, err)
}

func TestMemoryRegistry_RegisterDuplicate(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.NoError(t, err)

	// 同一实例ID持有未过期租约时重复注册失败
	_, err = r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.Error(t, err)
	assert.True(t, IsDuplicateInstance(err))

	// 租约过期后允许重新注册
	inst := newTestInstance("payments", "payments-1", 9002)
	inst.TTL = 1
	_, err = r.Register(ctx, inst)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	inst2 := newTestInstance("payments", "payments-1", 9002)
	_, err = r.Register(ctx, inst2)
	assert.NoError(t, err)
}

func TestMemoryRegistry_Renew(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	lease, err := r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.NoError(t, err)

	// 续约是幂等的：重复续约只延长过期时间，不会产生重复实例
	time.Sleep(10 * time.Millisecond)
	renewed, err := r.Renew(ctx, "orders-1")
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))

	renewed2, err := r.Renew(ctx, "orders-1")
	require.NoError(t, err)
	assert.False(t, renewed2.ExpiresAt.Before(renewed.ExpiresAt))
	assert.Len(t, r.Snapshot("orders"), 1)

	// 不存在的实例续约失败
	_, err = r.Renew(ctx, "unknown")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestMemoryRegistry_Deregister(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.NoError(t, err)

	err = r.Deregister(ctx, "orders-1")
	require.NoError(t, err)

	assert.Empty(t, r.Snapshot("orders"))
	_, err = r.Instance("orders-1")
	assert.True(t, IsNotFound(err))

	// 重复注销返回NotFound
	err = r.Deregister(ctx, "orders-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestMemoryRegistry_SnapshotOnlyUp(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.NoError(t, err)

	starting := newTestInstance("orders", "orders-2", 9002)
	starting.Status = model.StatusStarting
	_, err = r.Register(ctx, starting)
	require.NoError(t, err)

	oos := newTestInstance("orders", "orders-3", 9003)
	oos.Status = model.StatusOutOfService
	_, err = r.Register(ctx, oos)
	require.NoError(t, err)

	snap := r.Snapshot("orders")
	require.Len(t, snap, 1)
	assert.Equal(t, "orders-1", snap[0].ID)

	// 未知服务返回空快照
	assert.Empty(t, r.Snapshot("unknown"))
}

func TestMemoryRegistry_SnapshotOrderDeterministic(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	now := time.Now()
	for i := 3; i >= 1; i-- {
		inst := newTestInstance("orders", fmt.Sprintf("orders-%d", i), 9000+i)
		inst.RegisteredAt = now
		_, err := r.Register(ctx, inst)
		require.NoError(t, err)
	}

	// 注册时间相同，按实例ID排序
	snap := r.Snapshot("orders")
	require.Len(t, snap, 3)
	assert.Equal(t, "orders-1", snap[0].ID)
	assert.Equal(t, "orders-2", snap[1].ID)
	assert.Equal(t, "orders-3", snap[2].ID)
}

func TestMemoryRegistry_Services(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.NoError(t, err)
	_, err = r.Register(ctx, newTestInstance("payments", "payments-1", 9002))
	require.NoError(t, err)

	assert.Equal(t, []string{"orders", "payments"}, r.Services())
}

func TestMemoryRegistry_Events(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	events, cancel := r.Subscribe(8)
	defer cancel()

	_, err := r.Register(ctx, newTestInstance("orders", "orders-1", 9001))
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, model.EventAdded, ev.Type)
	assert.Equal(t, "orders", ev.Service)
	assert.Equal(t, "orders-1", ev.Instance.ID)
	assert.False(t, ev.Timestamp.IsZero())

	err = r.Deregister(ctx, "orders-1")
	require.NoError(t, err)

	ev = <-events
	assert.Equal(t, model.EventRemoved, ev.Type)
	assert.Equal(t, "orders-1", ev.Instance.ID)
}

func TestMemoryRegistry_ConcurrentRegister(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	// 不同服务的并发注册互不阻塞，也不会丢失记录
	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(s, i int) {
				defer wg.Done()
				service := fmt.Sprintf("service-%d", s)
				inst := newTestInstance(service, fmt.Sprintf("service-%d-%d", s, i), 9000+i)
				_, err := r.Register(ctx, inst)
				assert.NoError(t, err)
			}(s, i)
		}
	}
	wg.Wait()

	for s := 0; s < 4; s++ {
		assert.Len(t, r.Snapshot(fmt.Sprintf("service-%d", s)), 25)
	}
}

func TestMemoryRegistry_EvictExpired(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	events, cancel := r.Subscribe(8)
	defer cancel()

	inst := newTestInstance("orders", "orders-1", 9001)
	inst.TTL = 1
	lease, err := r.Register(ctx, inst)
	require.NoError(t, err)
	<-events // added事件

	// 未到期扫描不剔除
	evicted := r.EvictExpired(lease.ExpiresAt.Add(-100 * time.Millisecond))
	assert.Empty(t, evicted)
	assert.Len(t, r.Snapshot("orders"), 1)

	// 到期后剔除，实例状态转为DOWN并发布expired事件
	evicted = r.EvictExpired(lease.ExpiresAt)
	require.Len(t, evicted, 1)
	assert.Equal(t, model.StatusDown, evicted[0].Status)
	assert.Empty(t, r.Snapshot("orders"))

	ev := <-events
	assert.Equal(t, model.EventExpired, ev.Type)
	assert.Equal(t, model.StatusDown, ev.Instance.Status)

	// 剔除后续约失败，需要重新注册
	_, err = r.Renew(ctx, "orders-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestMemoryRegistry_RenewInvalidatesExpiryEntry(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	inst := newTestInstance("orders", "orders-1", 9001)
	inst.TTL = 2
	lease, err := r.Register(ctx, inst)
	require.NoError(t, err)

	// 续约后旧的过期索引条目失效，原过期时刻的扫描不会误删实例
	_, err = r.Renew(ctx, "orders-1")
	require.NoError(t, err)

	evicted := r.EvictExpired(lease.ExpiresAt)
	assert.Empty(t, evicted)
	assert.Len(t, r.Snapshot("orders"), 1)
}
