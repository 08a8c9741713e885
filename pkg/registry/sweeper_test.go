package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

func TestSweeper_EvictsExpiredLease(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	// 端到端场景：注册 -> 立即可解析 -> 停止续约 -> 扫描剔除 -> 续约NotFound
	inst := &model.ServiceInstance{
		ID:      "orders-a",
		Service: "orders",
		Host:    "10.0.0.1",
		Port:    9001,
		TTL:     1,
	}
	_, err := r.Register(ctx, inst)
	require.NoError(t, err)

	snap := r.Snapshot("orders")
	require.Len(t, snap, 1)
	assert.Equal(t, "orders-a", snap[0].ID)

	sweeper := NewSweeper(r, 200*time.Millisecond, nil)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 等待租约过期并被扫描剔除
	require.Eventually(t, func() bool {
		return len(r.Snapshot("orders")) == 0
	}, 3*time.Second, 50*time.Millisecond)

	_, err = r.Renew(ctx, "orders-a")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestSweeper_KeepsRenewedLease(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)
	ctx := context.Background()

	inst := &model.ServiceInstance{
		ID:      "orders-a",
		Service: "orders",
		Host:    "10.0.0.1",
		Port:    9001,
		TTL:     1,
	}
	_, err := r.Register(ctx, inst)
	require.NoError(t, err)

	sweeper := NewSweeper(r, 100*time.Millisecond, nil)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 持续续约的实例不会被剔除
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := r.Renew(ctx, "orders-a")
		require.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	}
	assert.Len(t, r.Snapshot("orders"), 1)
}

func TestSweeper_StartStop(t *testing.T) {
	r := NewMemoryRegistry(30*time.Second, nil)

	sweeper := NewSweeper(r, 50*time.Millisecond, nil)
	sweeper.Start(context.Background())
	// 重复Start是安全的
	sweeper.Start(context.Background())
	sweeper.Stop()
	// 重复Stop也是安全的
	sweeper.Stop()
}
