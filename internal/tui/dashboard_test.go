package tui

import (
	"testing"
	"time"

	"llm-fanout/internal/events"
	"llm-fanout/internal/runner"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
)

func TestFormatEvent(t *testing.T) {
	timestamp := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		event    events.Event
		contains string
	}{
		{
			name: "运行开始",
			event: events.Event{
				Type:      events.EventRunStarted,
				Timestamp: timestamp,
				Data:      map[string]any{"run_id": "run-1"},
			},
			contains: "run_id=run-1",
		},
		{
			name: "任务失败",
			event: events.Event{
				Type:      events.EventTaskFailed,
				Timestamp: timestamp,
				Data:      map[string]any{"provider": "alpha", "error_code": "RATE_LIMIT"},
			},
			contains: "错误码=RATE_LIMIT",
		},
		{
			name: "重试等待",
			event: events.Event{
				Type:      events.EventTaskRetrying,
				Timestamp: timestamp,
				Data:      map[string]any{"provider": "alpha", "status": "第2/4次尝试"},
			},
			contains: "第2/4次尝试",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatEvent(tt.event)
			assert.Contains(t, line, tt.contains)
			assert.Contains(t, line, "10:30:00")
		})
	}
}

func TestFormatEvent_StreamingSuppressed(t *testing.T) {
	line := formatEvent(events.Event{
		Type: events.EventTaskStreaming,
		Data: map[string]any{"provider": "alpha", "partial": "半截内容"},
	})
	assert.Empty(t, line, "高频流式片段事件不应上屏")
}

func TestStateColor(t *testing.T) {
	assert.Equal(t, tcell.ColorGreen, stateColor(runner.StateSucceeded))
	assert.Equal(t, tcell.ColorRed, stateColor(runner.StateFailed))
	assert.Equal(t, tcell.ColorAqua, stateColor(runner.StateStreaming))
	assert.Equal(t, tcell.ColorWhite, stateColor(runner.StateIdle))
}
