package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// EtcdConfig etcd注册表配置
type EtcdConfig struct {
	Endpoints  []string
	Username   string
	Password   string
	Prefix     string
	DefaultTTL time.Duration
	// 建立连接与单次操作的超时时间
	DialTimeout time.Duration
}

// EtcdRegistry 基于etcd的注册表实现。
// 租约过期由etcd自身的Lease机制处理，key随租约过期自动删除；
// 本地通过watch维护一份镜像，Snapshot从镜像读取，不经过网络。
type EtcdRegistry struct {
	client     *clientv3.Client
	prefix     string
	defaultTTL time.Duration
	opTimeout  time.Duration
	logger     config.Logger

	mu     sync.RWMutex
	mirror map[string]map[string]model.ServiceInstance // 服务名 -> 实例ID -> 实例
	leases map[string]leaseRef                         // 实例ID -> 租约引用

	subMu   sync.Mutex
	subs    map[int]chan model.ChangeEvent
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

// leaseRef etcd租约引用
type leaseRef struct {
	leaseID clientv3.LeaseID
	service string
	ttl     time.Duration
}

// NewEtcdRegistry 创建etcd注册表并启动watch镜像
func NewEtcdRegistry(cfg *EtcdConfig, logger config.Logger) (*EtcdRegistry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, NewInvalidArgumentError("etcd端点不能为空")
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "/mesh-gateway"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("连接etcd失败: %v", err))
	}

	r := &EtcdRegistry{
		client:     client,
		prefix:     prefix,
		defaultTTL: cfg.DefaultTTL,
		opTimeout:  cfg.DialTimeout,
		logger:     logger,
		mirror:     make(map[string]map[string]model.ServiceInstance),
		leases:     make(map[string]leaseRef),
		subs:       make(map[int]chan model.ChangeEvent),
		done:       make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	rev, err := r.loadMirror(ctx)
	if err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	go r.watchLoop(ctx, rev+1)

	return r, nil
}

// servicesPrefix 服务key前缀
func (r *EtcdRegistry) servicesPrefix() string {
	return r.prefix + "/services/"
}

// instanceKey 实例key
func (r *EtcdRegistry) instanceKey(service, instanceID string) string {
	return fmt.Sprintf("%s%s/%s", r.servicesPrefix(), service, instanceID)
}

// Register 注册服务实例
func (r *EtcdRegistry) Register(ctx context.Context, instance *model.ServiceInstance) (*model.Lease, error) {
	if instance == nil || instance.ID == "" || instance.Service == "" || instance.Host == "" || instance.Port <= 0 {
		return nil, NewInvalidArgumentError("实例ID、服务名称、主机和端口不能为空")
	}

	now := time.Now()
	inst := *instance
	if inst.Status == "" {
		inst.Status = model.StatusUp
	}
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = now
	}
	inst.LastRenewal = now

	ttl := r.defaultTTL
	if inst.TTL > 0 {
		ttl = time.Duration(inst.TTL) * time.Second
	}
	inst.TTL = int(ttl.Seconds())

	key := r.instanceKey(inst.Service, inst.ID)

	// key仍然存在说明上一份租约尚未过期
	getResp, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}
	if getResp.Count > 0 {
		return nil, NewDuplicateInstanceError(fmt.Sprintf("实例已持有未过期租约: %s/%s", inst.Service, inst.ID))
	}

	data, err := json.Marshal(&inst)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("序列化实例数据失败: %v", err))
	}

	lease, err := r.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("创建etcd租约失败: %v", err))
	}
	if _, err := r.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return nil, NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
	}

	r.mu.Lock()
	r.leases[inst.ID] = leaseRef{leaseID: lease.ID, service: inst.Service, ttl: ttl}
	r.mu.Unlock()

	r.logger.Info("服务实例已注册到etcd",
		zap.String("service", inst.Service),
		zap.String("instance", inst.ID))

	return &model.Lease{
		InstanceID: inst.ID,
		Service:    inst.Service,
		Duration:   ttl,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Renew 续约，向etcd租约发送一次keepalive
func (r *EtcdRegistry) Renew(ctx context.Context, instanceID string) (*model.Lease, error) {
	if instanceID == "" {
		return nil, NewInvalidArgumentError("实例ID不能为空")
	}

	r.mu.RLock()
	ref, ok := r.leases[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("实例不存在有效租约: %s", instanceID))
	}

	resp, err := r.client.KeepAliveOnce(ctx, ref.leaseID)
	if err != nil {
		// 租约已在etcd过期
		r.mu.Lock()
		delete(r.leases, instanceID)
		r.mu.Unlock()
		return nil, NewNotFoundError(fmt.Sprintf("实例不存在有效租约: %s", instanceID))
	}

	return &model.Lease{
		InstanceID: instanceID,
		Service:    ref.service,
		Duration:   ref.ttl,
		ExpiresAt:  time.Now().Add(time.Duration(resp.TTL) * time.Second),
	}, nil
}

// Deregister 注销服务实例
func (r *EtcdRegistry) Deregister(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return NewInvalidArgumentError("实例ID不能为空")
	}

	r.mu.RLock()
	ref, ok := r.leases[instanceID]
	r.mu.RUnlock()
	if !ok {
		return NewNotFoundError(fmt.Sprintf("实例不存在: %s", instanceID))
	}

	key := r.instanceKey(ref.service, instanceID)
	resp, err := r.client.Delete(ctx, key)
	if err != nil {
		return NewInternalError(fmt.Sprintf("从etcd删除失败: %v", err))
	}

	// 删除key后撤销租约，撤销失败只记录不影响注销
	if _, err := r.client.Revoke(ctx, ref.leaseID); err != nil {
		r.logger.Warn("撤销etcd租约失败",
			zap.String("instance", instanceID),
			zap.Error(err))
	}

	r.mu.Lock()
	delete(r.leases, instanceID)
	r.mu.Unlock()

	if resp.Deleted == 0 {
		return NewNotFoundError(fmt.Sprintf("实例不存在: %s", instanceID))
	}
	return nil
}

// Snapshot 从本地镜像返回指定服务的UP实例快照
func (r *EtcdRegistry) Snapshot(serviceName string) []model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := r.mirror[serviceName]
	snap := make([]model.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == model.StatusUp {
			snap = append(snap, inst)
		}
	}
	sort.Slice(snap, func(i, j int) bool {
		if snap[i].RegisteredAt.Equal(snap[j].RegisteredAt) {
			return snap[i].ID < snap[j].ID
		}
		return snap[i].RegisteredAt.Before(snap[j].RegisteredAt)
	})
	return snap
}

// Services 返回已注册的服务名称列表
func (r *EtcdRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.mirror))
	for name, instances := range r.mirror {
		if len(instances) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Instance 获取实例详情
func (r *EtcdRegistry) Instance(instanceID string) (*model.ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, instances := range r.mirror {
		if inst, ok := instances[instanceID]; ok {
			return &inst, nil
		}
	}
	return nil, NewNotFoundError(fmt.Sprintf("实例不存在: %s", instanceID))
}

// Subscribe 订阅注册表变更事件
func (r *EtcdRegistry) Subscribe(buffer int) (<-chan model.ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan model.ChangeEvent, buffer)
	r.subs[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Close 关闭etcd注册表
func (r *EtcdRegistry) Close() error {
	r.cancel()
	<-r.done

	r.subMu.Lock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.subMu.Unlock()

	return r.client.Close()
}

// loadMirror 初始化本地镜像，返回当前revision
func (r *EtcdRegistry) loadMirror(ctx context.Context) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	resp, err := r.client.Get(opCtx, r.servicesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return 0, NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kv := range resp.Kvs {
		var inst model.ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			// 忽略无法解析的数据，继续处理其他数据
			continue
		}
		if r.mirror[inst.Service] == nil {
			r.mirror[inst.Service] = make(map[string]model.ServiceInstance)
		}
		r.mirror[inst.Service][inst.ID] = inst
	}
	return resp.Header.Revision, nil
}

// watchLoop 监听etcd变更，维护本地镜像并转发变更事件
func (r *EtcdRegistry) watchLoop(ctx context.Context, fromRev int64) {
	defer close(r.done)

	watchCh := r.client.Watch(ctx, r.servicesPrefix(),
		clientv3.WithPrefix(), clientv3.WithRev(fromRev), clientv3.WithPrevKV())

	for resp := range watchCh {
		if resp.Err() != nil {
			r.logger.Error("etcd watch出错", zap.Error(resp.Err()))
			continue
		}
		for _, ev := range resp.Events {
			r.applyWatchEvent(ev)
		}
	}
}

// applyWatchEvent 将单个etcd事件应用到镜像
func (r *EtcdRegistry) applyWatchEvent(ev *clientv3.Event) {
	now := time.Now()

	switch ev.Type {
	case clientv3.EventTypePut:
		var inst model.ServiceInstance
		if err := json.Unmarshal(ev.Kv.Value, &inst); err != nil {
			return
		}

		r.mu.Lock()
		_, existed := r.mirror[inst.Service][inst.ID]
		if r.mirror[inst.Service] == nil {
			r.mirror[inst.Service] = make(map[string]model.ServiceInstance)
		}
		r.mirror[inst.Service][inst.ID] = inst
		r.mu.Unlock()

		eventType := model.EventAdded
		if existed {
			eventType = model.EventStatusChanged
		}
		r.publish(model.ChangeEvent{
			Type:      eventType,
			Service:   inst.Service,
			Instance:  inst,
			Timestamp: now,
		})

	case clientv3.EventTypeDelete:
		// 删除事件的value为空，从PrevKv恢复实例信息
		if ev.PrevKv == nil {
			return
		}
		var inst model.ServiceInstance
		if err := json.Unmarshal(ev.PrevKv.Value, &inst); err != nil {
			return
		}

		r.mu.Lock()
		delete(r.mirror[inst.Service], inst.ID)
		_, stillHeld := r.leases[inst.ID]
		r.mu.Unlock()

		// 本地仍持有租约引用说明不是主动注销，而是租约过期
		eventType := model.EventRemoved
		if stillHeld {
			eventType = model.EventExpired
			inst.Status = model.StatusDown
			r.mu.Lock()
			delete(r.leases, inst.ID)
			r.mu.Unlock()
		}
		r.publish(model.ChangeEvent{
			Type:      eventType,
			Service:   inst.Service,
			Instance:  inst,
			Timestamp: now,
		})
	}
}

// publish 向所有订阅者发布事件
func (r *EtcdRegistry) publish(event model.ChangeEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- event:
		default:
			r.logger.Warn("订阅者消费过慢，丢弃变更事件",
				zap.Int("subscriber", id),
				zap.String("type", string(event.Type)))
		}
	}
}
