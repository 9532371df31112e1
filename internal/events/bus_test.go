package events

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()
	bus := NewEventBus(slog.Default())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })
	return bus
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "通道不应提前关闭")
		return event
	case <-time.After(time.Second):
		t.Fatal("等待事件超时")
		return Event{}
	}
}

func TestEventBus_PublishToSubscriber(t *testing.T) {
	bus := newTestBus(t)

	ch := bus.Subscribe("web")
	bus.Publish(Event{
		Type:     EventTaskFailed,
		Source:   "runner",
		Data:     map[string]any{"provider": "alpha", "error_code": "RATE_LIMIT"},
		Priority: PriorityHigh,
	})

	event := waitEvent(t, ch)
	assert.Equal(t, EventTaskFailed, event.Type)
	assert.Equal(t, "alpha", event.Data["provider"])
	assert.False(t, event.Timestamp.IsZero(), "发布时应自动补时间戳")
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	bus := newTestBus(t)

	web := bus.Subscribe("web")
	tui := bus.Subscribe("tui")

	bus.Publish(Event{Type: EventRunStarted, Source: "orchestrator", Priority: PriorityNormal})

	assert.Equal(t, EventRunStarted, waitEvent(t, web).Type)
	assert.Equal(t, EventRunStarted, waitEvent(t, tui).Type)
}

func TestEventBus_StreamingRateLimited(t *testing.T) {
	bus := newTestBus(t)
	ch := bus.Subscribe("tui")

	// 连续发布流式片段，限流后订阅者收到的应远少于发布数
	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: EventTaskStreaming, Source: "runner", Priority: PriorityLow})
	}

	// 第一条必达
	waitEvent(t, ch)

	received := 1
	timeout := time.After(300 * time.Millisecond)
drain:
	for {
		select {
		case <-ch:
			received++
		case <-timeout:
			break drain
		}
	}
	assert.Less(t, received, 10, "流式片段事件应被限流")
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := newTestBus(t)

	ch := bus.Subscribe("web")
	bus.Unsubscribe("web")

	_, ok := <-ch
	assert.False(t, ok, "退订后通道应被关闭")
}

func TestEventBus_StatsTracking(t *testing.T) {
	bus := newTestBus(t)
	bus.Subscribe("web")

	bus.Publish(Event{Type: EventTaskSucceeded, Priority: PriorityNormal})
	bus.Publish(Event{Type: EventTaskFailed, Priority: PriorityHigh})

	// 等待异步处理完成
	assert.Eventually(t, func() bool {
		stats := bus.GetStats()
		return stats.ProcessedEvents >= 2
	}, time.Second, 10*time.Millisecond)

	stats := bus.GetStats()
	assert.Equal(t, int64(2), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.EventsByType[EventTaskSucceeded])
	assert.Equal(t, int64(1), stats.EventsByType[EventTaskFailed])
	assert.Equal(t, int64(1), stats.EventsByPriority[PriorityHigh])
}

func TestEventBus_ConcurrentPublishDuringStop(t *testing.T) {
	bus := NewEventBus(slog.Default())
	require.NoError(t, bus.Start())

	// 并发发布与停止交错，运行标记的读写不得构成数据竞争
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{Type: EventTaskStreaming, Source: "runner", Priority: PriorityLow})
			}
		}()
	}
	require.NoError(t, bus.Stop())
	wg.Wait()
}

func TestEventBus_StartStopIdempotent(t *testing.T) {
	bus := NewEventBus(slog.Default())
	require.NoError(t, bus.Start())
	require.NoError(t, bus.Start(), "重复启动应为空操作")
	require.NoError(t, bus.Stop())
	require.NoError(t, bus.Stop(), "重复停止应为空操作")
}

func TestEventBus_PublishAfterStopIsNoop(t *testing.T) {
	bus := NewEventBus(slog.Default())
	require.NoError(t, bus.Start())
	require.NoError(t, bus.Stop())

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: EventSystemError})
	})
}
