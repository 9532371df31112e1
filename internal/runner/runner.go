// Package runner 管理单个提供商任务的生命周期
// 状态机：Idle -> Streaming -> Succeeded/Failed，Failed只能经手动重试回到Streaming
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"llm-fanout/internal/classify"
	"llm-fanout/internal/provider"
	"llm-fanout/internal/retry"
	"llm-fanout/internal/utils"
)

// State 任务状态
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Progress 一次进度快照，每个文本片段和状态变化各推送一次
type Progress struct {
	Provider  string
	State     State
	Partial   string // 当前已累计的部分内容
	Status    string // 人类可读的状态说明，重试等待时形如"第2/4次尝试，等待2.0s"
	Streaming bool
	Retrying  bool // 处于重试等待中
}

// ProgressFunc 进度回调，按发生顺序串行调用
type ProgressFunc func(Progress)

// Result 任务的终态结果
type Result struct {
	Provider     string
	Success      bool
	Text         string // 成功时为完整内容，失败时为错误说明
	InputTokens  int64
	OutputTokens int64
	Attempts     int
	Duration     time.Duration
	Failure      *classify.Analysis // 成功时为nil
}

// Runner 驱动单个提供商完成一次流式生成，内部处理重试与限速
type Runner struct {
	adapter    provider.Adapter
	policies   retry.PolicySet
	throttle   *retry.ThrottleController
	timeout    time.Duration // 单次尝试的墙钟超时
	onProgress ProgressFunc

	mu     sync.Mutex
	state  State
	buf    strings.Builder
	result *Result
}

// New 创建处于Idle状态的任务
func New(adapter provider.Adapter, policies retry.PolicySet, throttle *retry.ThrottleController, timeout time.Duration, onProgress ProgressFunc) *Runner {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Runner{
		adapter:    adapter,
		policies:   policies,
		throttle:   throttle,
		timeout:    timeout,
		onProgress: onProgress,
		state:      StateIdle,
	}
}

// State 返回当前状态
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result 返回终态结果，任务未结束时返回nil
func (r *Runner) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Partial 返回当前已累计的部分内容
func (r *Runner) Partial() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// Run 执行任务直到终态并返回结果
// 只允许从Idle启动；Failed状态的任务通过Retry重新进入Streaming
func (r *Runner) Run(ctx context.Context, req provider.Request) (*Result, error) {
	if err := r.transition(StateIdle, StateStreaming); err != nil {
		return nil, err
	}
	return r.execute(ctx, req), nil
}

// Retry 手动重试一个已失败的任务，从头开始全新的重试周期
// 非Failed状态调用返回错误，保证幂等语义由上层编排器维护
func (r *Runner) Retry(ctx context.Context, req provider.Request) (*Result, error) {
	if err := r.transition(StateFailed, StateStreaming); err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("🔁 [手动重试] 提供商: %s, 重新开始任务", r.adapter.Name()))
	return r.execute(ctx, req), nil
}

// transition 校验并执行状态转换
func (r *Runner) transition(from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return fmt.Errorf("provider %s: invalid transition %s -> %s", r.adapter.Name(), r.state, to)
	}
	r.state = to
	r.result = nil
	r.buf.Reset()
	return nil
}

func (r *Runner) execute(ctx context.Context, req provider.Request) *Result {
	name := r.adapter.Name()
	start := time.Now()

	r.publish(Progress{Provider: name, State: StateStreaming, Status: "开始请求", Streaming: true})

	outcome, err := retry.Execute(ctx, name,
		func(ctx context.Context) (*provider.Usage, error) {
			return r.attempt(ctx, req)
		},
		nil, r.policies,
		func(attempt int, delay time.Duration, analysis classify.Analysis) {
			// 提供商明确要求降速时收紧该提供商的并发额度
			if analysis.Code == classify.CodeThrottleRequest && r.throttle != nil {
				r.throttle.OnThrottleSignal(name)
			}
			status := fmt.Sprintf("第%d/%d次尝试失败(%s)，等待%.1fs后重试",
				attempt, r.policies.For(analysis.Code).MaxAttempts, analysis.Code, delay.Seconds())
			r.publish(Progress{Provider: name, State: StateStreaming, Partial: r.Partial(), Status: status, Streaming: false, Retrying: true})
		})

	result := &Result{
		Provider: name,
		Attempts: outcome.Attempts,
		Duration: time.Since(start),
	}

	if err != nil {
		analysis := classify.Classify(err, name)
		var failure *classify.FailureError
		if errors.As(err, &failure) {
			analysis = failure.Analysis
		}
		// 降速信号在重试耗尽的最后一次失败上同样生效
		if analysis.Code == classify.CodeThrottleRequest && r.throttle != nil {
			r.throttle.OnThrottleSignal(name)
		}
		// 无法归类的失败保留现场，便于事后补充归类规则
		if analysis.Code == classify.CodeUnknown {
			utils.WriteRunDebug(name, r.Partial(), err)
		}

		result.Success = false
		result.Failure = &analysis
		// 终态失败时丢弃半截内容，用错误说明替换，避免半份回答被误当成完整结果
		result.Text = analysis.Describe()

		r.finish(StateFailed, result)
		slog.Warn(fmt.Sprintf("❌ [任务失败] 提供商: %s, 错误码: %s, 尝试: %d次, 耗时: %v",
			name, analysis.Code, result.Attempts, result.Duration.Round(time.Millisecond)))
		r.publish(Progress{Provider: name, State: StateFailed, Partial: result.Text, Status: analysis.Explanation(), Streaming: false})
		return result
	}

	result.Success = true
	result.Text = r.Partial()
	if usage := outcome.Value; usage != nil {
		result.InputTokens = usage.InputTokens
		result.OutputTokens = usage.OutputTokens
	}

	r.finish(StateSucceeded, result)
	slog.Info(fmt.Sprintf("✅ [任务完成] 提供商: %s, 输出: %d tokens, 尝试: %d次, 耗时: %v",
		name, result.OutputTokens, result.Attempts, result.Duration.Round(time.Millisecond)))
	r.publish(Progress{Provider: name, State: StateSucceeded, Partial: result.Text, Status: "完成", Streaming: false})
	return result
}

// attempt 单次尝试：获取限速槽位，清空累计内容后重新流式拉取
func (r *Runner) attempt(ctx context.Context, req provider.Request) (*provider.Usage, error) {
	if r.throttle != nil {
		release, err := r.throttle.Acquire(ctx, r.adapter.Name())
		if err != nil {
			return nil, err
		}
		defer release()
	}

	// 每次尝试从零开始，不保留上一次的半截内容
	r.mu.Lock()
	r.buf.Reset()
	r.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.adapter.Stream(attemptCtx, req, func(text string) {
		r.mu.Lock()
		r.buf.WriteString(text)
		partial := r.buf.String()
		r.mu.Unlock()
		r.publish(Progress{Provider: r.adapter.Name(), State: StateStreaming, Partial: partial, Streaming: true})
	})
}

func (r *Runner) finish(state State, result *Result) {
	r.mu.Lock()
	r.state = state
	r.result = result
	r.mu.Unlock()
}

func (r *Runner) publish(p Progress) {
	if r.onProgress != nil {
		r.onProgress(p)
	}
}
