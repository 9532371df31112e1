// Package tui 终端监控面板
// 展示各提供商任务的实时状态、限速情况和事件日志
package tui

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"llm-fanout/internal/events"
	"llm-fanout/internal/orchestrator"
	"llm-fanout/internal/retry"
	"llm-fanout/internal/runner"
	"llm-fanout/internal/utils"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const subscriberName = "tui"

// Dashboard 终端监控面板
type Dashboard struct {
	app      *tview.Application
	table    *tview.Table
	logView  *tview.TextView
	status   *tview.TextView
	logger   *slog.Logger
	interval time.Duration

	orchestrator *orchestrator.Orchestrator
	throttle     *retry.ThrottleController
	eventBus     events.EventBus

	stopChan chan struct{}
}

// NewDashboard 创建终端监控面板
func NewDashboard(orch *orchestrator.Orchestrator, throttle *retry.ThrottleController, eventBus events.EventBus, interval time.Duration, logger *slog.Logger) *Dashboard {
	if interval <= 0 {
		interval = time.Second
	}

	d := &Dashboard{
		app:          tview.NewApplication(),
		logger:       logger,
		interval:     interval,
		orchestrator: orch,
		throttle:     throttle,
		eventBus:     eventBus,
		stopChan:     make(chan struct{}),
	}

	d.table = tview.NewTable().SetBorders(false).SetFixed(1, 0)
	d.table.SetBorder(true).SetTitle(" 提供商任务 ")

	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(500)
	d.logView.SetBorder(true).SetTitle(" 事件日志 ")

	d.status = tview.NewTextView().SetDynamicColors(true)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.table, 0, 2, false).
		AddItem(d.logView, 0, 3, false).
		AddItem(d.status, 1, 0, false)

	d.app.SetRoot(flex, true)
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Rune() == 'q' {
			d.Stop()
			return nil
		}
		return event
	})

	return d
}

// Run 启动面板，阻塞直到Stop被调用或用户按q退出
func (d *Dashboard) Run() error {
	eventChan := d.eventBus.Subscribe(subscriberName)
	defer d.eventBus.Unsubscribe(subscriberName)

	go d.consumeEvents(eventChan)
	go d.refreshLoop()

	d.logger.Info("🖥️ [监控面板] 已启动", "update_interval", d.interval)
	return d.app.Run()
}

// Stop 停止面板
func (d *Dashboard) Stop() {
	select {
	case <-d.stopChan:
		// 已停止
	default:
		close(d.stopChan)
		d.app.Stop()
	}
}

// consumeEvents 把总线事件渲染为日志行
func (d *Dashboard) consumeEvents(eventChan <-chan events.Event) {
	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			line := formatEvent(event)
			if line == "" {
				continue
			}
			d.app.QueueUpdateDraw(func() {
				fmt.Fprintln(d.logView, line)
				d.logView.ScrollToEnd()
			})
		case <-d.stopChan:
			return
		}
	}
}

// refreshLoop 按配置间隔刷新任务表格
func (d *Dashboard) refreshLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.app.QueueUpdateDraw(d.renderTable)
		case <-d.stopChan:
			return
		}
	}
}

// renderTable 重绘提供商任务表格，必须在tview事件循环内调用
func (d *Dashboard) renderTable() {
	d.table.Clear()

	headers := []string{"提供商", "状态", "尝试", "输出tokens", "耗时", "并发", "内容"}
	for col, header := range headers {
		d.table.SetCell(0, col,
			tview.NewTableCell(header).
				SetTextColor(tcell.ColorYellow).
				SetSelectable(false).
				SetAttributes(tcell.AttrBold))
	}

	states := d.orchestrator.States()
	results := d.orchestrator.Results()

	resultByProvider := make(map[string]runner.Result, len(results))
	order := make([]string, 0, len(results))
	for _, r := range results {
		resultByProvider[r.Provider] = r
		order = append(order, r.Provider)
	}
	// 尚无结果时按状态表排序展示
	if len(order) == 0 {
		for name := range states {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	for row, name := range order {
		state := states[name]
		result := resultByProvider[name]

		d.table.SetCell(row+1, 0, tview.NewTableCell(name))
		d.table.SetCell(row+1, 1, tview.NewTableCell(string(state)).SetTextColor(stateColor(state)))
		d.table.SetCell(row+1, 2, tview.NewTableCell(fmt.Sprintf("%d", result.Attempts)))
		d.table.SetCell(row+1, 3, tview.NewTableCell(fmt.Sprintf("%d", result.OutputTokens)))
		d.table.SetCell(row+1, 4, tview.NewTableCell(utils.FormatDuration(result.Duration)))

		capacity, throttledUntil := d.throttle.Status(name)
		active := d.throttle.ActiveCount(name)
		slotText := fmt.Sprintf("%d/%d", active, capacity)
		if throttledUntil.After(time.Now()) {
			slotText += " 🐌"
		}
		d.table.SetCell(row+1, 5, tview.NewTableCell(slotText))

		d.table.SetCell(row+1, 6, tview.NewTableCell(utils.TruncateText(result.Text, 60)))
	}

	d.status.SetText(fmt.Sprintf("[gray]运行ID: %s  |  按 q 退出[-]", d.orchestrator.RunID()))
}

// stateColor 任务状态对应的显示颜色
func stateColor(state runner.State) tcell.Color {
	switch state {
	case runner.StateStreaming:
		return tcell.ColorAqua
	case runner.StateSucceeded:
		return tcell.ColorGreen
	case runner.StateFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

// formatEvent 把总线事件转成带颜色标记的日志行，流式片段事件不上屏
func formatEvent(event events.Event) string {
	timestamp := event.Timestamp.Format("15:04:05")

	switch event.Type {
	case events.EventRunStarted:
		return fmt.Sprintf("[blue]%s 🚀 运行开始 run_id=%v[-]", timestamp, event.Data["run_id"])
	case events.EventRunCompleted:
		return fmt.Sprintf("[blue]%s 🏁 运行结束 结果数=%v[-]", timestamp, event.Data["results"])
	case events.EventTaskRetrying:
		return fmt.Sprintf("[yellow]%s ⏳ %v %v[-]", timestamp, event.Data["provider"], event.Data["status"])
	case events.EventTaskSucceeded:
		return fmt.Sprintf("[green]%s ✅ %v 完成 输出=%v tokens[-]", timestamp, event.Data["provider"], event.Data["output_tokens"])
	case events.EventTaskFailed:
		return fmt.Sprintf("[red]%s ❌ %v 失败 错误码=%v[-]", timestamp, event.Data["provider"], event.Data["error_code"])
	case events.EventThrottleEngaged:
		return fmt.Sprintf("[orange]%s 🐌 %v 进入降速冷却[-]", timestamp, event.Data["provider"])
	case events.EventConfigChanged:
		return fmt.Sprintf("[gray]%s 🔄 配置已重新加载[-]", timestamp)
	case events.EventSystemError:
		return fmt.Sprintf("[red]%s ⚠️ 系统错误: %v[-]", timestamp, event.Data["error"])
	case events.EventTaskStreaming, events.EventTaskStarted:
		// 高频或无信息量的事件不刷日志
		return ""
	default:
		return ""
	}
}
