package registry

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// instanceRecord 注册表内部的实例记录
type instanceRecord struct {
	instance  model.ServiceInstance
	expiresAt time.Time
	ttl       time.Duration
	seq       uint64 // 租约序号，续约时递增，用于失效过期索引里的旧条目
}

// serviceEntry 单个服务的实例集合。
// 每个服务持有自己的互斥锁，不同服务的注册/续约/注销互不阻塞。
type serviceEntry struct {
	mu       sync.Mutex
	name     string
	records  map[string]*instanceRecord
	snapshot atomic.Value // []model.ServiceInstance，只含UP实例，写时整体替换
	version  uint64
}

// rebuildSnapshot 重建服务快照，调用时必须持有entry锁。
// 快照按注册时间排序，时间相同按实例ID排序。
func (e *serviceEntry) rebuildSnapshot() {
	snap := make([]model.ServiceInstance, 0, len(e.records))
	for _, rec := range e.records {
		if rec.instance.Status == model.StatusUp {
			snap = append(snap, rec.instance)
		}
	}
	sort.Slice(snap, func(i, j int) bool {
		if snap[i].RegisteredAt.Equal(snap[j].RegisteredAt) {
			return snap[i].ID < snap[j].ID
		}
		return snap[i].RegisteredAt.Before(snap[j].RegisteredAt)
	})
	e.version++
	e.snapshot.Store(snap)
}

// expiryItem 过期索引条目
type expiryItem struct {
	expiresAt  time.Time
	instanceID string
	service    string
	seq        uint64
}

// expiryHeap 按过期时间排序的最小堆。
// 续约不修改已有条目，只压入新条目；弹出时用seq判断条目是否仍然有效，
// 避免在高实例流动下维护大量定时器。
type expiryHeap []*expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(*expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryRegistry 基于内存的注册表实现
type MemoryRegistry struct {
	defaultTTL time.Duration
	logger     config.Logger

	mu       sync.RWMutex // 保护services和index两个map本身
	services map[string]*serviceEntry
	index    map[string]string // instanceID -> 服务名称

	heapMu sync.Mutex
	expiry expiryHeap

	subMu   sync.Mutex
	subs    map[int]chan model.ChangeEvent
	nextSub int

	seq atomic.Uint64
}

// NewMemoryRegistry 创建内存注册表
func NewMemoryRegistry(defaultTTL time.Duration, logger config.Logger) *MemoryRegistry {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &MemoryRegistry{
		defaultTTL: defaultTTL,
		logger:     logger,
		services:   make(map[string]*serviceEntry),
		index:      make(map[string]string),
		subs:       make(map[int]chan model.ChangeEvent),
	}
}

// Register 注册服务实例
func (r *MemoryRegistry) Register(ctx context.Context, instance *model.ServiceInstance) (*model.Lease, error) {
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

	entry := r.entry(inst.Service, true)

	entry.mu.Lock()
	if rec, ok := entry.records[inst.ID]; ok && now.Before(rec.expiresAt) {
		entry.mu.Unlock()
		return nil, NewDuplicateInstanceError(fmt.Sprintf("实例已持有未过期租约: %s/%s", inst.Service, inst.ID))
	}
	rec := &instanceRecord{
		instance:  inst,
		expiresAt: now.Add(ttl),
		ttl:       ttl,
		seq:       r.seq.Add(1),
	}
	entry.records[inst.ID] = rec
	entry.rebuildSnapshot()
	entry.mu.Unlock()

	r.mu.Lock()
	r.index[inst.ID] = inst.Service
	r.mu.Unlock()

	r.pushExpiry(&expiryItem{
		expiresAt:  rec.expiresAt,
		instanceID: inst.ID,
		service:    inst.Service,
		seq:        rec.seq,
	})

	r.publish(model.ChangeEvent{
		Type:      model.EventAdded,
		Service:   inst.Service,
		Instance:  inst,
		Timestamp: now,
	})

	r.logger.Info("服务实例已注册",
		zap.String("service", inst.Service),
		zap.String("instance", inst.ID),
		zap.String("addr", inst.Addr()))

	return &model.Lease{
		InstanceID: inst.ID,
		Service:    inst.Service,
		Duration:   ttl,
		ExpiresAt:  rec.expiresAt,
	}, nil
}

// Renew 续约
func (r *MemoryRegistry) Renew(ctx context.Context, instanceID string) (*model.Lease, error) {
	if instanceID == "" {
		return nil, NewInvalidArgumentError("实例ID不能为空")
	}

	entry := r.entryByInstance(instanceID)
	if entry == nil {
		return nil, NewNotFoundError(fmt.Sprintf("实例不存在有效租约: %s", instanceID))
	}

	now := time.Now()

	entry.mu.Lock()
	rec, ok := entry.records[instanceID]
	if !ok || !now.Before(rec.expiresAt) {
		// 租约已过期等同于不存在，调用方需要重新注册
		entry.mu.Unlock()
		return nil, NewNotFoundError(fmt.Sprintf("实例不存在有效租约: %s", instanceID))
	}
	rec.expiresAt = now.Add(rec.ttl)
	rec.seq = r.seq.Add(1)
	rec.instance.LastRenewal = now
	entry.rebuildSnapshot()
	lease := &model.Lease{
		InstanceID: instanceID,
		Service:    entry.name,
		Duration:   rec.ttl,
		ExpiresAt:  rec.expiresAt,
	}
	item := &expiryItem{
		expiresAt:  rec.expiresAt,
		instanceID: instanceID,
		service:    entry.name,
		seq:        rec.seq,
	}
	entry.mu.Unlock()

	r.pushExpiry(item)

	return lease, nil
}

// Deregister 注销服务实例
func (r *MemoryRegistry) Deregister(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return NewInvalidArgumentError("实例ID不能为空")
	}

	entry := r.entryByInstance(instanceID)
	if entry == nil {
		return NewNotFoundError(fmt.Sprintf("实例不存在: %s", instanceID))
	}

	entry.mu.Lock()
	rec, ok := entry.records[instanceID]
	if !ok {
		entry.mu.Unlock()
		return NewNotFoundError(fmt.Sprintf("实例不存在: %s", instanceID))
	}
	delete(entry.records, instanceID)
	entry.rebuildSnapshot()
	inst := rec.instance
	entry.mu.Unlock()

	r.mu.Lock()
	delete(r.index, instanceID)
	r.mu.Unlock()

	r.publish(model.ChangeEvent{
		Type:      model.EventRemoved,
		Service:   entry.name,
		Instance:  inst,
		Timestamp: time.Now(),
	})

	r.logger.Info("服务实例已注销",
		zap.String("service", entry.name),
		zap.String("instance", instanceID))

	return nil
}

// Snapshot 返回指定服务的UP实例快照
func (r *MemoryRegistry) Snapshot(serviceName string) []model.ServiceInstance {
	entry := r.entry(serviceName, false)
	if entry == nil {
		return []model.ServiceInstance{}
	}
	snap, _ := entry.snapshot.Load().([]model.ServiceInstance)
	if snap == nil {
		return []model.ServiceInstance{}
	}
	return snap
}

// Services 返回已注册的服务名称列表
func (r *MemoryRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance 获取实例详情
func (r *MemoryRegistry) Instance(instanceID string) (*model.ServiceInstance, error) {
	entry := r.entryByInstance(instanceID)
	if entry == nil {
		return nil, NewNotFoundError(fmt.Sprintf("实例不存在: %s", instanceID))
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	rec, ok := entry.records[instanceID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("实例不存在: %s", instanceID))
	}
	inst := rec.instance
	return &inst, nil
}

// Subscribe 订阅注册表变更事件
func (r *MemoryRegistry) Subscribe(buffer int) (<-chan model.ChangeEvent, func()) {
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

// Close 关闭注册表，释放所有订阅
func (r *MemoryRegistry) Close() error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	return nil
}

// EvictExpired 剔除指定时刻已过期的所有实例，返回被剔除的实例列表。
// 由租约扫描器周期调用。
func (r *MemoryRegistry) EvictExpired(now time.Time) []model.ServiceInstance {
	var candidates []*expiryItem

	r.heapMu.Lock()
	for r.expiry.Len() > 0 && !now.Before(r.expiry[0].expiresAt) {
		candidates = append(candidates, heap.Pop(&r.expiry).(*expiryItem))
	}
	r.heapMu.Unlock()

	var evicted []model.ServiceInstance
	for _, item := range candidates {
		entry := r.entry(item.service, false)
		if entry == nil {
			continue
		}

		entry.mu.Lock()
		rec, ok := entry.records[item.instanceID]
		// 条目失效的情况：实例已注销、已重新注册或租约已续约
		if !ok || rec.seq != item.seq || now.Before(rec.expiresAt) {
			entry.mu.Unlock()
			continue
		}
		delete(entry.records, item.instanceID)
		rec.instance.Status = model.StatusDown
		entry.rebuildSnapshot()
		inst := rec.instance
		entry.mu.Unlock()

		r.mu.Lock()
		delete(r.index, item.instanceID)
		r.mu.Unlock()

		r.publish(model.ChangeEvent{
			Type:      model.EventExpired,
			Service:   item.service,
			Instance:  inst,
			Timestamp: now,
		})
		evicted = append(evicted, inst)

		r.logger.Warn("实例租约过期，已剔除",
			zap.String("service", item.service),
			zap.String("instance", item.instanceID),
			zap.Time("expired_at", rec.expiresAt))
	}

	return evicted
}

// entry 获取服务条目，create为true时不存在则创建
func (r *MemoryRegistry) entry(serviceName string, create bool) *serviceEntry {
	r.mu.RLock()
	entry, ok := r.services[serviceName]
	r.mu.RUnlock()
	if ok || !create {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok = r.services[serviceName]; ok {
		return entry
	}
	entry = &serviceEntry{
		name:    serviceName,
		records: make(map[string]*instanceRecord),
	}
	entry.snapshot.Store([]model.ServiceInstance{})
	r.services[serviceName] = entry
	return entry
}

// entryByInstance 根据实例ID找到所属服务条目
func (r *MemoryRegistry) entryByInstance(instanceID string) *serviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	serviceName, ok := r.index[instanceID]
	if !ok {
		return nil
	}
	return r.services[serviceName]
}

// pushExpiry 向过期索引压入新条目
func (r *MemoryRegistry) pushExpiry(item *expiryItem) {
	r.heapMu.Lock()
	heap.Push(&r.expiry, item)
	r.heapMu.Unlock()
}

// publish 向所有订阅者发布事件，订阅者消费过慢时丢弃
func (r *MemoryRegistry) publish(event model.ChangeEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- event:
		default:
			r.logger.Warn("订阅者消费过慢，丢弃变更事件",
				zap.Int("subscriber", id),
				zap.String("type", string(event.Type)),
				zap.String("service", event.Service))
		}
	}
}
