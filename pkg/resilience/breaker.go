package resilience

import (
	"errors"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态，调用正常通过
	StateClosed State = iota
	// StateOpen 打开状态，调用快速失败
	StateOpen
	// StateHalfOpen 半开状态，放行有限的试探调用
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 定义容错层错误
var (
	// ErrCircuitOpen 熔断器处于打开状态，调用被快速失败
	ErrCircuitOpen = errors.New("熔断器已打开")
	// ErrBulkheadFull 舱壁并发槽已满，调用被立即拒绝
	ErrBulkheadFull = errors.New("舱壁并发槽已满")
)

// Settings 单个目标的容错参数
type Settings struct {
	// 滑动窗口大小（最近N次调用），默认20
	WindowSize int
	// 窗口内至少有多少次调用后才开始统计失败率，默认10
	MinCalls int
	// 失败率阈值，达到后熔断器打开，默认0.5
	FailureRatio float64
	// 打开状态的冷却时间，默认30s
	CoolDown time.Duration
	// 半开状态允许的试探调用数，默认3
	HalfOpenMaxCalls int
	// 舱壁最大并发调用数，默认10
	MaxConcurrent int
	// 单次下游调用超时时间，默认5s，超时计为失败
	CallTimeout time.Duration
}

// DefaultSettings 返回默认容错参数
func DefaultSettings() Settings {
	return Settings{
		WindowSize:       20,
		MinCalls:         10,
		FailureRatio:     0.5,
		CoolDown:         30 * time.Second,
		HalfOpenMaxCalls: 3,
		MaxConcurrent:    10,
		CallTimeout:      5 * time.Second,
	}
}

// normalize 用默认值填充零值字段
func (s Settings) normalize() Settings {
	def := DefaultSettings()
	if s.WindowSize <= 0 {
		s.WindowSize = def.WindowSize
	}
	if s.MinCalls <= 0 {
		s.MinCalls = def.MinCalls
	}
	if s.MinCalls > s.WindowSize {
		s.MinCalls = s.WindowSize
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = def.FailureRatio
	}
	if s.CoolDown <= 0 {
		s.CoolDown = def.CoolDown
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = def.MaxConcurrent
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = def.CallTimeout
	}
	return s
}

// StateChangeFunc 状态变更回调
type StateChangeFunc func(name string, from, to State)

// Breaker 熔断器。
//
// 状态机：
//   - closed: 调用通过，结果进入滑动窗口；窗口内调用数达到MinCalls
//     且失败率达到FailureRatio时转为open，转换发生在越过阈值的那次
//     调用记录时，因此下一次调用立即观察到熔断。
//   - open: 调用以ErrCircuitOpen快速失败，不发起网络调用；冷却时间
//     过后转为half_open。
//   - half_open: 放行HalfOpenMaxCalls次试探调用；任何一次失败都转回
//     open并重新计时冷却；连续HalfOpenMaxCalls次成功则转回closed并
//     清空计数。
type Breaker struct {
	name          string
	settings      Settings
	onStateChange StateChangeFunc

	mu       sync.Mutex
	state    State
	window   []bool // 环形缓冲，true表示失败
	head     int
	count    int
	failures int
	openedAt time.Time

	halfOpenCalls     int
	halfOpenSuccesses int
}

// NewBreaker 创建熔断器
func NewBreaker(name string, settings Settings, onStateChange StateChangeFunc) *Breaker {
	settings = settings.normalize()
	return &Breaker{
		name:          name,
		settings:      settings,
		onStateChange: onStateChange,
		state:         StateClosed,
		window:        make([]bool, settings.WindowSize),
	}
}

// Allow 判断调用是否允许通过。半开状态下每次放行都消耗一个试探名额。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.settings.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// Record 记录一次调用结果。超时计为失败。
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.currentState(now) {
	case StateClosed:
		b.push(!success)
		if b.count >= b.settings.MinCalls {
			ratio := float64(b.failures) / float64(b.count)
			if ratio >= b.settings.FailureRatio {
				b.toState(StateOpen, now)
			}
		}
	case StateHalfOpen:
		if !success {
			// 任何一次试探失败都回到打开状态，冷却重新计时
			b.toState(StateOpen, now)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.HalfOpenMaxCalls {
			b.toState(StateClosed, now)
		}
	case StateOpen:
		// 打开前已在途的调用结果不参与统计
	}
}

// Execute 通过熔断器执行函数
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.Record(err == nil)
	return err
}

// State 返回当前状态（含冷却到期的open到half_open转换）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Reset 重置熔断器到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toState(StateClosed, time.Now())
}

// push 向滑动窗口写入一次调用结果，调用时必须持有锁
func (b *Breaker) push(failure bool) {
	if b.count == len(b.window) {
		// 窗口已满，挤出最旧的结果
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.head] = failure
	if failure {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

// currentState 返回当前状态并处理冷却到期转换，调用时必须持有锁
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.CoolDown {
		b.toState(StateHalfOpen, now)
	}
	return b.state
}

// toState 状态转换，调用时必须持有锁
func (b *Breaker) toState(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	switch to {
	case StateClosed:
		for i := range b.window {
			b.window[i] = false
		}
		b.head = 0
		b.count = 0
		b.failures = 0
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	case StateOpen:
		b.openedAt = now
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
