package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// 自适应限速默认参数：冷却期内并发降到30%，持续15分钟
const (
	DefaultThrottleFactor   = 0.3
	DefaultThrottleCooldown = 15 * time.Minute
	DefaultProviderSlots    = 4
)

// ThrottleController 自适应限速控制器
// 以providerId为键维护唯一的冷却状态：一个在途请求触发的限速，
// 对同一提供商的所有并发请求生效。
type ThrottleController struct {
	mu       sync.Mutex
	limits   map[string]*providerLimit
	slots    int           // 每个提供商的正常并发槽位
	factor   float64       // 冷却期内的槽位保留比例
	cooldown time.Duration // 冷却窗口时长
	now      func() time.Time
	onSignal func(provider string, until time.Time)
}

type providerLimit struct {
	active         int
	throttledUntil time.Time
	waiters        []chan struct{}
}

// ThrottleOption 控制器可选配置
type ThrottleOption func(*ThrottleController)

// WithSlots 设置每个提供商的正常并发槽位
func WithSlots(n int) ThrottleOption {
	return func(tc *ThrottleController) {
		if n > 0 {
			tc.slots = n
		}
	}
}

// WithCooldown 设置冷却窗口时长
func WithCooldown(d time.Duration) ThrottleOption {
	return func(tc *ThrottleController) {
		if d > 0 {
			tc.cooldown = d
		}
	}
}

// WithFactor 设置冷却期内的槽位保留比例
func WithFactor(f float64) ThrottleOption {
	return func(tc *ThrottleController) {
		if f > 0 && f <= 1 {
			tc.factor = f
		}
	}
}

// WithSignalHook 注册降速信号回调，用于向外通报冷却状态
func WithSignalHook(hook func(provider string, until time.Time)) ThrottleOption {
	return func(tc *ThrottleController) {
		tc.onSignal = hook
	}
}

// WithClock 注入时钟，仅测试使用
func WithClock(now func() time.Time) ThrottleOption {
	return func(tc *ThrottleController) {
		tc.now = now
	}
}

// NewThrottleController 创建自适应限速控制器
func NewThrottleController(opts ...ThrottleOption) *ThrottleController {
	tc := &ThrottleController{
		limits:   make(map[string]*providerLimit),
		slots:    DefaultProviderSlots,
		factor:   DefaultThrottleFactor,
		cooldown: DefaultThrottleCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Acquire 获取一个提供商的并发槽位，槽位满时阻塞等待
// 等待可被ctx取消；返回的release必须在请求结束后调用
func (tc *ThrottleController) Acquire(ctx context.Context, provider string) (release func(), err error) {
	for {
		tc.mu.Lock()
		lim := tc.limit(provider)
		capacity := tc.capacityLocked(lim)

		if lim.active < capacity {
			lim.active++
			tc.mu.Unlock()
			return func() { tc.release(provider) }, nil
		}

		// 无可用槽位：注册等待者，释放或冷却结束时被唤醒
		wake := make(chan struct{}, 1)
		lim.waiters = append(lim.waiters, wake)
		until := lim.throttledUntil
		tc.mu.Unlock()

		var expiry <-chan time.Time
		var timer *time.Timer
		if until.After(tc.now()) {
			timer = time.NewTimer(until.Sub(tc.now()))
			expiry = timer.C
		}

		select {
		case <-ctx.Done():
			tc.removeWaiter(provider, wake)
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
			if timer != nil {
				timer.Stop()
			}
		case <-expiry:
			// 冷却结束，容量恢复，回到循环重新竞争
			tc.removeWaiter(provider, wake)
		}
	}
}

// OnThrottleSignal 提供商明确要求降速时调用
// 进入（或刷新）冷却窗口，期间该提供商的有效并发降到保留比例
func (tc *ThrottleController) OnThrottleSignal(provider string) {
	tc.mu.Lock()
	lim := tc.limit(provider)
	lim.throttledUntil = tc.now().Add(tc.cooldown)
	until := lim.throttledUntil
	tc.mu.Unlock()

	slog.Warn(fmt.Sprintf("🐌 [自适应限速] 提供商 %s 要求降速，并发降至 %d%%，冷却至 %s",
		provider, int(tc.factor*100), until.Format(time.TimeOnly)))

	if tc.onSignal != nil {
		tc.onSignal(provider, until)
	}
}

// IsThrottled 该提供商当前是否处于冷却期
func (tc *ThrottleController) IsThrottled(provider string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.limit(provider).throttledUntil.After(tc.now())
}

// Status 返回该提供商当前的有效容量和冷却截止时间，用于监控展示
func (tc *ThrottleController) Status(provider string) (capacity int, throttledUntil time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	lim := tc.limit(provider)
	return tc.capacityLocked(lim), lim.throttledUntil
}

// ActiveCount 该提供商当前占用的槽位数
func (tc *ThrottleController) ActiveCount(provider string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.limit(provider).active
}

func (tc *ThrottleController) release(provider string) {
	tc.mu.Lock()
	lim := tc.limit(provider)
	if lim.active > 0 {
		lim.active--
	}
	// 唤醒一个等待者去竞争空出的槽位
	if len(lim.waiters) > 0 {
		wake := lim.waiters[0]
		lim.waiters = lim.waiters[1:]
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	tc.mu.Unlock()
}

func (tc *ThrottleController) removeWaiter(provider string, ch chan struct{}) {
	tc.mu.Lock()
	lim := tc.limit(provider)
	for i, w := range lim.waiters {
		if w == ch {
			lim.waiters = append(lim.waiters[:i], lim.waiters[i+1:]...)
			break
		}
	}
	tc.mu.Unlock()
}

// capacityLocked 冷却期内容量按保留比例缩减，至少保留1个槽位
func (tc *ThrottleController) capacityLocked(lim *providerLimit) int {
	if lim.throttledUntil.After(tc.now()) {
		reduced := int(float64(tc.slots) * tc.factor)
		if reduced < 1 {
			reduced = 1
		}
		return reduced
	}
	return tc.slots
}

func (tc *ThrottleController) limit(provider string) *providerLimit {
	lim, ok := tc.limits[provider]
	if !ok {
		lim = &providerLimit{}
		tc.limits[provider] = lim
	}
	return lim
}
