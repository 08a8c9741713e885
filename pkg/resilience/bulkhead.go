package resilience

// Bulkhead 舱壁，限制单个目标服务的最大并发调用数，
// 避免某个下游依赖耗尽调用方资源。
// 槽位获取是非阻塞的：没有空闲槽位时立即失败，不排队等待。
type Bulkhead struct {
	name string
	sem  chan struct{}
}

// NewBulkhead 创建舱壁
func NewBulkhead(name string, maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Bulkhead{
		name: name,
		sem:  make(chan struct{}, maxConcurrent),
	}
}

// Acquire 尝试获取一个并发槽位，失败时返回ErrBulkheadFull
func (b *Bulkhead) Acquire() error {
	select {
	case b.sem <- struct{}{}:
		return nil
	default:
		return ErrBulkheadFull
	}
}

// Release 归还槽位
func (b *Bulkhead) Release() {
	<-b.sem
}

// Execute 在舱壁内执行函数
func (b *Bulkhead) Execute(fn func() error) error {
	if err := b.Acquire(); err != nil {
		return err
	}
	defer b.Release()
	return fn()
}

// InUse 返回正在使用的槽位数
func (b *Bulkhead) InUse() int {
	return len(b.sem)
}

// MaxConcurrent 返回最大并发数
func (b *Bulkhead) MaxConcurrent() int {
	return cap(b.sem)
}
