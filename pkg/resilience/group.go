package resilience

import "sync"

// Group 按key惰性创建熔断器与舱壁。
// 网关以目标服务为key维护一组熔断器/舱壁（CircuitState按调用方与
// 目标服务成对维护），实例选择器以"服务/实例ID"为key再维护一组
// 实例级熔断器用于摘除故障实例。
type Group struct {
	defaults      Settings
	overrides     map[string]Settings
	onStateChange StateChangeFunc

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	bulkheads map[string]*Bulkhead
}

// NewGroup 创建容错组，overrides按key覆盖默认参数
func NewGroup(defaults Settings, overrides map[string]Settings, onStateChange StateChangeFunc) *Group {
	return &Group{
		defaults:      defaults.normalize(),
		overrides:     overrides,
		onStateChange: onStateChange,
		breakers:      make(map[string]*Breaker),
		bulkheads:     make(map[string]*Bulkhead),
	}
}

// SettingsFor 返回key生效的容错参数
func (g *Group) SettingsFor(key string) Settings {
	if s, ok := g.overrides[key]; ok {
		return s.normalize()
	}
	return g.defaults
}

// Breaker 获取key对应的熔断器，不存在则创建
func (g *Group) Breaker(key string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[key]; ok {
		return b
	}
	b = NewBreaker(key, g.SettingsFor(key), g.onStateChange)
	g.breakers[key] = b
	return b
}

// Bulkhead 获取key对应的舱壁，不存在则创建
func (g *Group) Bulkhead(key string) *Bulkhead {
	g.mu.RLock()
	b, ok := g.bulkheads[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.bulkheads[key]; ok {
		return b
	}
	b = NewBulkhead(key, g.SettingsFor(key).MaxConcurrent)
	g.bulkheads[key] = b
	return b
}
