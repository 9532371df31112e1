package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"llm-fanout/internal/classify"
	"llm-fanout/internal/provider"
	"llm-fanout/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter 按预设脚本逐次响应，模拟真实提供商的流式行为
type fakeAdapter struct {
	name    string
	mu      sync.Mutex
	calls   int
	scripts []func(ctx context.Context, emit provider.EmitFunc) (*provider.Usage, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Stream(ctx context.Context, req provider.Request, emit provider.EmitFunc) (*provider.Usage, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	return f.scripts[idx](ctx, emit)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPolicies() retry.PolicySet {
	p := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
	return retry.PolicySet{Default: p, RateLimit: p}
}

func succeedWith(text string, in, out int64) func(context.Context, provider.EmitFunc) (*provider.Usage, error) {
	return func(_ context.Context, emit provider.EmitFunc) (*provider.Usage, error) {
		for _, chunk := range []string{text[:len(text)/2], text[len(text)/2:]} {
			emit(chunk)
		}
		return &provider.Usage{InputTokens: in, OutputTokens: out}, nil
	}
}

func failWith(status int, message string) func(context.Context, provider.EmitFunc) (*provider.Usage, error) {
	return func(_ context.Context, _ provider.EmitFunc) (*provider.Usage, error) {
		return nil, &classify.StatusError{Provider: "fake", StatusCode: status, Message: message}
	}
}

func TestRunner_SuccessFirstAttempt(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		succeedWith("你好世界", 10, 4),
	}}

	var progress []Progress
	r := New(adapter, testPolicies(), nil, time.Minute, func(p Progress) {
		progress = append(progress, p)
	})

	assert.Equal(t, StateIdle, r.State())

	result, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, r.State())
	assert.True(t, result.Success)
	assert.Equal(t, "你好世界", result.Text)
	assert.Equal(t, int64(10), result.InputTokens)
	assert.Equal(t, int64(4), result.OutputTokens)
	assert.Equal(t, 1, result.Attempts)
	assert.Nil(t, result.Failure)

	// 进度流应以Streaming开始、Succeeded结束，片段按顺序累计
	require.NotEmpty(t, progress)
	assert.Equal(t, StateStreaming, progress[0].State)
	last := progress[len(progress)-1]
	assert.Equal(t, StateSucceeded, last.State)
	assert.Equal(t, "你好世界", last.Partial)
}

func TestRunner_RetriesThenSucceeds(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		failWith(500, "boom"),
		failWith(429, "rate limited"),
		succeedWith("最终结果", 5, 3),
	}}

	r := New(adapter, testPolicies(), nil, time.Minute, nil)
	result, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "最终结果", result.Text)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, adapter.callCount())
}

func TestRunner_PartialDiscardedBetweenAttempts(t *testing.T) {
	// 第一次吐了半截后断流，重试成功后结果里不能混入上次的半截内容
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		func(_ context.Context, emit provider.EmitFunc) (*provider.Usage, error) {
			emit("半截")
			return nil, &classify.StatusError{Provider: "alpha", StatusCode: 0, Message: "connection reset"}
		},
		succeedWith("完整回答", 5, 3),
	}}

	r := New(adapter, testPolicies(), nil, time.Minute, nil)
	result, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "完整回答", result.Text)
	assert.NotContains(t, result.Text, "半截")
}

func TestRunner_TerminalFailureReplacesContent(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		func(_ context.Context, emit provider.EmitFunc) (*provider.Usage, error) {
			emit("不该保留的内容")
			return nil, &classify.StatusError{Provider: "alpha", StatusCode: 401, Message: "invalid api key"}
		},
	}}

	r := New(adapter, testPolicies(), nil, time.Minute, nil)
	result, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err, "终态失败通过Result表达而非error")

	assert.Equal(t, StateFailed, r.State())
	assert.False(t, result.Success)
	require.NotNil(t, result.Failure)
	assert.Equal(t, classify.CodeInvalidAuth, result.Failure.Code)
	// 失败后半截内容被错误说明替换
	assert.NotContains(t, result.Text, "不该保留的内容")
	assert.Contains(t, result.Text, string(classify.CodeInvalidAuth))
	assert.Equal(t, 1, adapter.callCount(), "认证错误不应重试")
}

func TestRunner_NonRetryableDoesNotBlockOthers(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		failWith(500, "boom"),
	}}

	r := New(adapter, testPolicies(), nil, time.Minute, nil)
	result, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts, "可重试错误应耗尽全部尝试")
	assert.Equal(t, classify.CodeServerError, result.Failure.Code)
}

func TestRunner_ManualRetryFromFailed(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		failWith(401, "invalid api key"),
		succeedWith("重试后成功", 5, 3),
	}}

	r := New(adapter, testPolicies(), nil, time.Minute, nil)
	first, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)
	require.False(t, first.Success)
	require.Equal(t, StateFailed, r.State())

	// 手动重试开启全新重试周期
	second, err := r.Retry(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, "重试后成功", second.Text)
	assert.Equal(t, StateSucceeded, r.State())
}

func TestRunner_RetryOnlyFromFailed(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		succeedWith("内容", 1, 1),
	}}

	r := New(adapter, testPolicies(), nil, time.Minute, nil)

	// Idle状态不允许Retry
	_, err := r.Retry(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)

	// Succeeded状态同样不允许
	_, err = r.Retry(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	assert.Error(t, err)

	// Run也不允许重复启动
	_, err = r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	assert.Error(t, err)
}

func TestRunner_ThrottleSignalShrinksCapacity(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		func(_ context.Context, _ provider.EmitFunc) (*provider.Usage, error) {
			return nil, &classify.StatusError{Provider: "alpha", StatusCode: 429, Type: "throttling_error", Message: "please slow down"}
		},
		succeedWith("恢复", 1, 1),
	}}

	throttle := retry.NewThrottleController(retry.WithSlots(4), retry.WithFactor(0.3))
	r := New(adapter, testPolicies(), throttle, time.Minute, nil)

	result, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// 降速信号应已收紧该提供商的并发额度
	assert.True(t, throttle.IsThrottled("alpha"))
	capacity, _ := throttle.Status("alpha")
	assert.Equal(t, 1, capacity)
	assert.False(t, throttle.IsThrottled("beta"), "降速只影响发出信号的提供商")
}

func TestRunner_CancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		func(ctx context.Context, _ provider.EmitFunc) (*provider.Usage, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}

	r := New(adapter, testPolicies(), nil, time.Minute, nil)
	result, err := r.Run(ctx, provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, classify.CodeCancelled, result.Failure.Code)
	assert.Equal(t, StateFailed, r.State())
}

func TestRunner_ProgressIncludesRetryStatus(t *testing.T) {
	adapter := &fakeAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		failWith(429, "rate limited"),
		succeedWith("好的", 1, 1),
	}}

	var statuses []string
	r := New(adapter, testPolicies(), nil, time.Minute, func(p Progress) {
		if p.Status != "" {
			statuses = append(statuses, p.Status)
		}
	})

	_, err := r.Run(context.Background(), provider.Request{Prompt: "hi", OutputCap: 64})
	require.NoError(t, err)

	// 重试等待期间应推送包含尝试次数的可读状态
	found := false
	for _, s := range statuses {
		if strings.Contains(s, "1/3") && strings.Contains(s, "RATE_LIMIT") {
			found = true
		}
	}
	assert.True(t, found, "进度状态应包含尝试计数与错误码: %v", statuses)
}
