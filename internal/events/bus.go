package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件
	Publish(event Event)

	// 订阅事件流，name用于日志与退订
	Subscribe(name string) <-chan Event
	Unsubscribe(name string)

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// 事件过滤器
type EventFilter struct {
	// 是否分发给订阅者
	ShouldDeliver func(event Event) bool

	// 频率限制（防止流式片段刷屏）
	RateLimit time.Duration
}

// EventBus 实现
type eventBus struct {
	// 基础配置
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// 事件处理
	eventChan chan Event

	// 订阅者
	subMu       sync.RWMutex
	subscribers map[string]chan Event

	// 过滤和限制
	filters      map[EventType]EventFilter
	rateLimiters map[EventType]*rateLimiter

	// 统计信息
	stats   BusStats
	statsMu sync.RWMutex

	// 内部状态，Publish会在任意goroutine读取运行标记
	running atomic.Bool
	wg      sync.WaitGroup
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	StartTime        time.Time               `json:"start_time"`
}

// 频率限制器
type rateLimiter struct {
	lastTime time.Time
	limit    time.Duration
	mu       sync.Mutex
}

func (rl *rateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastTime) >= rl.limit {
		rl.lastTime = now
		return true
	}
	return false
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger) EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &eventBus{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		eventChan:    make(chan Event, 1000), // 缓冲区大小
		subscribers:  make(map[string]chan Event),
		filters:      make(map[EventType]EventFilter),
		rateLimiters: make(map[EventType]*rateLimiter),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}

	// 设置默认过滤器
	bus.setupDefaultFilters()

	return bus
}

// 设置默认过滤器
func (eb *eventBus) setupDefaultFilters() {
	deliverAll := func(event Event) bool { return true }

	// 流式片段 - 高频，限流后分发
	eb.filters[EventTaskStreaming] = EventFilter{
		ShouldDeliver: deliverAll,
		RateLimit:     100 * time.Millisecond,
	}

	// 任务状态变化 - 关键事件，立即分发
	for _, eventType := range []EventType{
		EventTaskStarted, EventTaskRetrying, EventTaskSucceeded, EventTaskFailed,
		EventRunStarted, EventRunCompleted,
		EventThrottleEngaged, EventSystemError, EventConfigChanged,
	} {
		eb.filters[eventType] = EventFilter{
			ShouldDeliver: deliverAll,
			RateLimit:     0, // 无限制
		}
	}

	// 初始化频率限制器
	for eventType, filter := range eb.filters {
		if filter.RateLimit > 0 {
			eb.rateLimiters[eventType] = &rateLimiter{
				limit: filter.RateLimit,
			}
		}
	}
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	if !eb.running.Load() {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	// 设置时间戳
	event.Timestamp = time.Now()

	// 更新统计信息
	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
		// 事件发送成功
	default:
		// 缓冲区满，丢弃事件
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// Subscribe 注册一个订阅者，返回只读事件通道
func (eb *eventBus) Subscribe(name string) <-chan Event {
	eb.subMu.Lock()
	defer eb.subMu.Unlock()

	if existing, ok := eb.subscribers[name]; ok {
		return existing
	}

	ch := make(chan Event, 256)
	eb.subscribers[name] = ch
	eb.logger.Debug("EventBus subscriber registered", "name", name)
	return ch
}

// Unsubscribe 注销订阅者并关闭其通道
func (eb *eventBus) Unsubscribe(name string) {
	eb.subMu.Lock()
	defer eb.subMu.Unlock()

	if ch, ok := eb.subscribers[name]; ok {
		delete(eb.subscribers, name)
		close(ch)
		eb.logger.Debug("EventBus subscriber removed", "name", name)
	}
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	if !eb.running.CompareAndSwap(false, true) {
		return nil
	}

	eb.wg.Add(1)

	go eb.eventProcessor()

	eb.logger.Info("EventBus started")
	return nil
}

// Stop 停止EventBus
func (eb *eventBus) Stop() error {
	if !eb.running.CompareAndSwap(true, false) {
		return nil
	}

	// 不关闭eventChan：与Stop并发、刚通过运行检查的Publish最多把事件
	// 写进缓冲区被丢弃，绝不会写入已关闭的通道
	eb.cancel()
	eb.wg.Wait()

	// 关闭所有订阅者通道
	eb.subMu.Lock()
	for name, ch := range eb.subscribers {
		delete(eb.subscribers, name)
		close(ch)
	}
	eb.subMu.Unlock()

	eb.logger.Info("EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	// 深拷贝统计信息
	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64),
		EventsByPriority: make(map[EventPriority]int64),
		StartTime:        eb.stats.StartTime,
	}

	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}

	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	eb.logger.Debug("EventBus processor started")

	for {
		select {
		case event, ok := <-eb.eventChan:
			if !ok {
				eb.logger.Debug("EventBus processor stopped")
				return
			}

			eb.processEvent(event)

		case <-eb.ctx.Done():
			eb.logger.Debug("EventBus processor context cancelled")
			return
		}
	}
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	// 更新处理统计
	eb.updateStats(event, "processed")

	// 获取事件过滤器
	filter, exists := eb.filters[event.Type]
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	// 检查是否应该分发
	if !filter.ShouldDeliver(event) {
		eb.logger.Debug("Event filtered out", "type", event.Type)
		return
	}

	// 检查频率限制
	if limiter, exists := eb.rateLimiters[event.Type]; exists {
		if !limiter.Allow() {
			eb.logger.Debug("Event rate limited", "type", event.Type)
			return
		}
	}

	// 分发给所有订阅者，慢订阅者丢弃而不阻塞
	eb.subMu.RLock()
	for name, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			eb.logger.Debug("Subscriber channel full, dropping event", "name", name, "type", event.Type)
		}
	}
	eb.subMu.RUnlock()
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
