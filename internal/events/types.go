package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 任务生命周期事件
	EventTaskStarted   EventType = "task_started"
	EventTaskStreaming EventType = "task_streaming"
	EventTaskRetrying  EventType = "task_retrying"
	EventTaskSucceeded EventType = "task_succeeded"
	EventTaskFailed    EventType = "task_failed"

	// 运行级事件
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"

	// 限速与系统事件
	EventThrottleEngaged EventType = "throttle_engaged"
	EventSystemError     EventType = "system_error"
	EventConfigChanged   EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow      EventPriority = iota // 批量处理，如流式片段
	PriorityNormal                        // 延迟处理，如任务完成
	PriorityHigh                          // 立即处理，如任务失败
	PriorityCritical                      // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType      `json:"type"`
	Source    string         `json:"source"` // 事件来源组件
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Priority  EventPriority  `json:"priority"`
}

// 对外SSE事件类型映射
var EventTypeMapping = map[EventType]string{
	EventTaskStarted:     "task",
	EventTaskStreaming:   "task",
	EventTaskRetrying:    "task",
	EventTaskSucceeded:   "task",
	EventTaskFailed:      "task",
	EventRunStarted:      "run",
	EventRunCompleted:    "run",
	EventThrottleEngaged: "throttle",
	EventSystemError:     "status",
	EventConfigChanged:   "config",
}
