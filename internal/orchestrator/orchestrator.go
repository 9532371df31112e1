// Package orchestrator 把一条提示词并发分发给多个提供商并聚合结果
// 任一提供商的失败或重试不阻塞其他提供商，N个提供商恒产出N份结果
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"llm-fanout/internal/classify"
	"llm-fanout/internal/events"
	"llm-fanout/internal/provider"
	"llm-fanout/internal/retry"
	"llm-fanout/internal/runner"

	"github.com/google/uuid"
)

// Recorder 终态结果的落库接口，由用量追踪器实现
type Recorder interface {
	RecordRun(runID string, result runner.Result)
}

// Options 编排器的可选依赖
type Options struct {
	Policies        retry.PolicySet
	Throttle        *retry.ThrottleController
	Bus             events.EventBus
	Recorder        Recorder
	Estimator       CapEstimator
	ProviderTimeout time.Duration
	OnProgress      runner.ProgressFunc
}

// Orchestrator 一次运行的编排器
// 保存运行期上下文以支持失败后的手动重试
type Orchestrator struct {
	registry *provider.Registry
	opts     Options

	mu        sync.Mutex
	runID     string
	prompt    string
	outputCap int
	order     []string
	runners   map[string]*runner.Runner
	results   map[string]*runner.Result
	retrying  map[string]bool
}

// New 创建编排器
func New(registry *provider.Registry, opts Options) *Orchestrator {
	if opts.Estimator == nil {
		opts.Estimator = NewHeuristicEstimator()
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 300 * time.Second
	}
	return &Orchestrator{
		registry: registry,
		opts:     opts,
		runners:  make(map[string]*runner.Runner),
		results:  make(map[string]*runner.Result),
		retrying: make(map[string]bool),
	}
}

// RunID 返回当前运行的标识，尚未运行时为空
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Run 把提示词分发给所有指定提供商，阻塞直到全部到达终态
// 返回结果顺序与providers一致，数量恒等于len(providers)
func (o *Orchestrator) Run(ctx context.Context, prompt string, providers []string) ([]runner.Result, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers specified")
	}

	runID := uuid.New().String()
	outputCap := o.opts.Estimator.Estimate(prompt)

	o.mu.Lock()
	o.runID = runID
	o.prompt = prompt
	o.outputCap = outputCap
	o.order = append([]string(nil), providers...)
	o.runners = make(map[string]*runner.Runner)
	o.results = make(map[string]*runner.Result)
	o.retrying = make(map[string]bool)
	o.mu.Unlock()

	slog.Info(fmt.Sprintf("🚀 [运行开始] 运行ID: %s, 提供商数: %d, 输出上限: %d tokens",
		runID, len(providers), outputCap))
	o.publishEvent(events.Event{
		Type:     events.EventRunStarted,
		Source:   "orchestrator",
		Priority: events.PriorityNormal,
		Data:     map[string]any{"run_id": runID, "providers": providers, "output_cap": outputCap},
	})

	req := provider.Request{Prompt: prompt, OutputCap: outputCap}
	resultSlots := make([]runner.Result, len(providers))

	var wg sync.WaitGroup
	for i, name := range providers {
		adapter, ok := o.registry.Get(name)
		if !ok {
			// 未注册的提供商同样占据一个结果槽位，不拖累其他任务
			// 终态出口与正常任务一致：落库并发布task_failed事件
			resultSlots[i] = o.unknownProviderResult(name)
			o.storeResult(name, &resultSlots[i])
			o.finishTask(runID, &resultSlots[i])
			continue
		}

		task := runner.New(adapter, o.opts.Policies, o.opts.Throttle, o.opts.ProviderTimeout, o.progressSink())
		o.mu.Lock()
		o.runners[name] = task
		o.mu.Unlock()

		o.publishEvent(events.Event{
			Type:     events.EventTaskStarted,
			Source:   "orchestrator",
			Priority: events.PriorityNormal,
			Data:     map[string]any{"run_id": runID, "provider": name},
		})

		wg.Add(1)
		go func(slot int, name string, task *runner.Runner) {
			defer wg.Done()
			result, err := task.Run(ctx, req)
			if err != nil {
				// 状态机拒绝启动属于编排器缺陷，按失败结果兜底
				result = &runner.Result{Provider: name, Success: false, Text: err.Error()}
			}
			resultSlots[slot] = *result
			o.storeResult(name, result)
			o.finishTask(runID, result)
		}(i, name, task)
	}
	wg.Wait()

	o.publishEvent(events.Event{
		Type:     events.EventRunCompleted,
		Source:   "orchestrator",
		Priority: events.PriorityNormal,
		Data:     map[string]any{"run_id": runID, "results": len(resultSlots)},
	})
	return resultSlots, nil
}

// Retry 手动重试一个失败的提供商任务，使用原始提示词与输出上限
// 幂等：重试进行中或任务不处于失败态时返回当前结果而不重复触发
func (o *Orchestrator) Retry(ctx context.Context, providerID string) (*runner.Result, error) {
	o.mu.Lock()
	task, ok := o.runners[providerID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("provider %q not part of current run", providerID)
	}
	if o.retrying[providerID] || task.State() != runner.StateFailed {
		current := o.results[providerID]
		o.mu.Unlock()
		slog.Debug(fmt.Sprintf("🔂 [重试忽略] 提供商: %s 不在可重试状态", providerID))
		return current, nil
	}
	o.retrying[providerID] = true
	runID := o.runID
	req := provider.Request{Prompt: o.prompt, OutputCap: o.outputCap}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.retrying, providerID)
		o.mu.Unlock()
	}()

	result, err := task.Retry(ctx, req)
	if err != nil {
		// 竞态下状态机可能已被推进，按幂等语义返回现状
		o.mu.Lock()
		current := o.results[providerID]
		o.mu.Unlock()
		return current, nil
	}

	o.storeResult(providerID, result)
	o.finishTask(runID, result)
	return result, nil
}

// Results 按启动顺序返回当前所有结果的快照
func (o *Orchestrator) Results() []runner.Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshot := make([]runner.Result, 0, len(o.order))
	for _, name := range o.order {
		if result, ok := o.results[name]; ok {
			snapshot = append(snapshot, *result)
		} else {
			snapshot = append(snapshot, runner.Result{Provider: name})
		}
	}
	return snapshot
}

// States 返回各提供商任务的当前状态
func (o *Orchestrator) States() map[string]runner.State {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make(map[string]runner.State, len(o.runners))
	for name, task := range o.runners {
		states[name] = task.State()
	}
	return states
}

func (o *Orchestrator) storeResult(name string, result *runner.Result) {
	o.mu.Lock()
	o.results[name] = result
	o.mu.Unlock()
}

// finishTask 终态结果的统一出口：落库并发布事件
func (o *Orchestrator) finishTask(runID string, result *runner.Result) {
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordRun(runID, *result)
	}

	eventType := events.EventTaskSucceeded
	priority := events.PriorityNormal
	data := map[string]any{
		"run_id":   runID,
		"provider": result.Provider,
		"attempts": result.Attempts,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if !result.Success {
		eventType = events.EventTaskFailed
		priority = events.PriorityHigh
		if result.Failure != nil {
			data["error_code"] = string(result.Failure.Code)
			data["severity"] = result.Failure.Severity.String()
		}
	} else {
		data["output_tokens"] = result.OutputTokens
	}
	o.publishEvent(events.Event{Type: eventType, Source: "orchestrator", Priority: priority, Data: data})
}

// progressSink 把任务进度转成外部回调与总线事件
func (o *Orchestrator) progressSink() runner.ProgressFunc {
	return func(p runner.Progress) {
		if o.opts.OnProgress != nil {
			o.opts.OnProgress(p)
		}
		if o.opts.Bus == nil {
			return
		}

		switch {
		case p.Retrying:
			o.opts.Bus.Publish(events.Event{
				Type:     events.EventTaskRetrying,
				Source:   "runner",
				Priority: events.PriorityNormal,
				Data:     map[string]any{"provider": p.Provider, "status": p.Status},
			})
		case p.State == runner.StateStreaming && p.Streaming:
			o.opts.Bus.Publish(events.Event{
				Type:     events.EventTaskStreaming,
				Source:   "runner",
				Priority: events.PriorityLow,
				Data:     map[string]any{"provider": p.Provider, "partial": p.Partial},
			})
		}
	}
}

func (o *Orchestrator) publishEvent(event events.Event) {
	if o.opts.Bus != nil {
		o.opts.Bus.Publish(event)
	}
}

// unknownProviderResult 为未注册的提供商合成失败结果
func (o *Orchestrator) unknownProviderResult(name string) runner.Result {
	analysis := classify.Classify(&classify.StatusError{
		Provider:   name,
		StatusCode: 404,
		Message:    fmt.Sprintf("provider %q not registered", name),
	}, name)

	slog.Warn(fmt.Sprintf("⚠️ [未知提供商] %s 未注册，任务直接判定失败", name))
	return runner.Result{
		Provider: name,
		Success:  false,
		Text:     analysis.Describe(),
		Failure:  &analysis,
	}
}
