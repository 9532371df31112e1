package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"llm-fanout/internal/classify"
	"llm-fanout/internal/events"
	"llm-fanout/internal/provider"
	"llm-fanout/internal/retry"
	"llm-fanout/internal/runner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAdapter 按调用次数返回预设响应
type scriptedAdapter struct {
	name    string
	mu      sync.Mutex
	calls   int
	scripts []func(ctx context.Context, emit provider.EmitFunc) (*provider.Usage, error)
}

func (s *scriptedAdapter) Name() string { return s.name }

func (s *scriptedAdapter) Stream(ctx context.Context, req provider.Request, emit provider.EmitFunc) (*provider.Usage, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()
	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	return s.scripts[idx](ctx, emit)
}

func okScript(text string) func(context.Context, provider.EmitFunc) (*provider.Usage, error) {
	return func(_ context.Context, emit provider.EmitFunc) (*provider.Usage, error) {
		emit(text)
		return &provider.Usage{InputTokens: 3, OutputTokens: 2}, nil
	}
}

func errScript(status int, message string) func(context.Context, provider.EmitFunc) (*provider.Usage, error) {
	return func(context.Context, provider.EmitFunc) (*provider.Usage, error) {
		return nil, &classify.StatusError{StatusCode: status, Message: message}
	}
}

func fastPolicies() retry.PolicySet {
	p := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return retry.PolicySet{Default: p, RateLimit: p}
}

func newOrchestrator(t *testing.T, opts Options, adapters ...provider.Adapter) *Orchestrator {
	t.Helper()
	registry := provider.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	if opts.Policies.Default.MaxAttempts == 0 {
		opts.Policies = fastPolicies()
	}
	return New(registry, opts)
}

func TestOrchestrator_FanOutAllSucceed(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){okScript("回答A")}}
	beta := &scriptedAdapter{name: "beta", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){okScript("回答B")}}

	o := newOrchestrator(t, Options{}, alpha, beta)
	results, err := o.Run(context.Background(), "问题", []string{"alpha", "beta"})
	require.NoError(t, err)

	require.Len(t, results, 2, "N个提供商必须产出N份结果")
	assert.Equal(t, "alpha", results[0].Provider)
	assert.Equal(t, "回答A", results[0].Text)
	assert.Equal(t, "beta", results[1].Provider)
	assert.Equal(t, "回答B", results[1].Text)
	assert.NotEmpty(t, o.RunID())
}

func TestOrchestrator_FailureDoesNotBlockOthers(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		errScript(401, "invalid api key"),
	}}
	beta := &scriptedAdapter{name: "beta", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){okScript("正常")}}

	o := newOrchestrator(t, Options{}, alpha, beta)
	results, err := o.Run(context.Background(), "问题", []string{"alpha", "beta"})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, classify.CodeInvalidAuth, results[0].Failure.Code)
	assert.True(t, results[1].Success)
	assert.Equal(t, "正常", results[1].Text)
}

func TestOrchestrator_UnknownProviderGetsFailedResult(t *testing.T) {
	beta := &scriptedAdapter{name: "beta", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){okScript("好")}}

	o := newOrchestrator(t, Options{}, beta)
	results, err := o.Run(context.Background(), "问题", []string{"ghost", "beta"})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	require.NotNil(t, results[0].Failure)
	assert.Equal(t, classify.CodeNotFound, results[0].Failure.Code)
	assert.True(t, results[1].Success)
}

func TestOrchestrator_UnknownProviderEmitsFailureEvent(t *testing.T) {
	bus := events.NewEventBus(slog.Default())
	require.NoError(t, bus.Start())
	defer bus.Stop()
	ch := bus.Subscribe("test")

	recorder := &memoryRecorder{}
	o := newOrchestrator(t, Options{Bus: bus, Recorder: recorder})

	_, err := o.Run(context.Background(), "问题", []string{"ghost"})
	require.NoError(t, err)

	// 未注册提供商的合成失败与正常失败走同一终态出口
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-ch:
			if event.Type == events.EventTaskFailed {
				assert.Equal(t, "ghost", event.Data["provider"])
				assert.Equal(t, string(classify.CodeNotFound), event.Data["error_code"])
				records := recorder.snapshot()
				require.Len(t, records, 1, "合成失败也应落库")
				assert.Equal(t, "ghost", records[0].result.Provider)
				return
			}
		case <-deadline:
			t.Fatal("未收到task_failed事件")
		}
	}
}

func TestOrchestrator_ManualRetryReplacesResult(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		errScript(401, "invalid api key"),
		okScript("重试成功"),
	}}

	o := newOrchestrator(t, Options{}, alpha)
	results, err := o.Run(context.Background(), "问题", []string{"alpha"})
	require.NoError(t, err)
	require.False(t, results[0].Success)

	retried, err := o.Retry(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, retried.Success)
	assert.Equal(t, "重试成功", retried.Text)

	// 重试结果替换旧结果
	snapshot := o.Results()
	require.Len(t, snapshot, 1)
	assert.True(t, snapshot[0].Success)
	assert.Equal(t, "重试成功", snapshot[0].Text)
}

func TestOrchestrator_RetryIdempotent(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		errScript(401, "invalid api key"),
		okScript("成功"),
	}}

	o := newOrchestrator(t, Options{}, alpha)
	_, err := o.Run(context.Background(), "问题", []string{"alpha"})
	require.NoError(t, err)

	first, err := o.Retry(context.Background(), "alpha")
	require.NoError(t, err)
	require.True(t, first.Success)
	callsAfterRetry := alpha.calls

	// 成功后再触发重试：幂等返回现有结果，不再发起新请求
	second, err := o.Retry(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, callsAfterRetry, alpha.calls, "幂等重试不应产生新的提供商调用")
}

func TestOrchestrator_RetryUnknownProvider(t *testing.T) {
	o := newOrchestrator(t, Options{})
	_, err := o.Retry(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestOrchestrator_RetryUsesOriginalPrompt(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	alpha := &scriptedAdapter{name: "alpha"}
	alpha.scripts = []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		func(context.Context, provider.EmitFunc) (*provider.Usage, error) {
			return nil, &classify.StatusError{StatusCode: 403, Message: "forbidden"}
		},
		okScript("好"),
	}

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(&promptCapture{inner: alpha, record: func(p string) {
		mu.Lock()
		prompts = append(prompts, p)
		mu.Unlock()
	}}))

	o := New(registry, Options{Policies: fastPolicies()})
	_, err := o.Run(context.Background(), "原始提示词", []string{"alpha"})
	require.NoError(t, err)

	_, err = o.Retry(context.Background(), "alpha")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(prompts), 2)
	for _, p := range prompts {
		assert.Equal(t, "原始提示词", p, "手动重试必须沿用原始提示词")
	}
}

// promptCapture 包装适配器以记录每次收到的提示词
type promptCapture struct {
	inner  provider.Adapter
	record func(prompt string)
}

func (pc *promptCapture) Name() string { return pc.inner.Name() }

func (pc *promptCapture) Stream(ctx context.Context, req provider.Request, emit provider.EmitFunc) (*provider.Usage, error) {
	pc.record(req.Prompt)
	return pc.inner.Stream(ctx, req, emit)
}

func TestOrchestrator_ProgressCallback(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){
		func(_ context.Context, emit provider.EmitFunc) (*provider.Usage, error) {
			emit("片段1")
			emit("片段2")
			return &provider.Usage{}, nil
		},
	}}

	var mu sync.Mutex
	var partials []string
	o := newOrchestrator(t, Options{OnProgress: func(p runner.Progress) {
		if p.Streaming && p.Partial != "" {
			mu.Lock()
			partials = append(partials, p.Partial)
			mu.Unlock()
		}
	}}, alpha)

	_, err := o.Run(context.Background(), "问题", []string{"alpha"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, partials, 2)
	assert.Equal(t, "片段1", partials[0])
	assert.Equal(t, "片段1片段2", partials[1], "部分内容应按产出顺序累计")
}

func TestOrchestrator_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus(slog.Default())
	require.NoError(t, bus.Start())
	defer bus.Stop()
	ch := bus.Subscribe("test")

	alpha := &scriptedAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){okScript("好")}}
	o := newOrchestrator(t, Options{Bus: bus}, alpha)

	_, err := o.Run(context.Background(), "问题", []string{"alpha"})
	require.NoError(t, err)

	seen := map[events.EventType]bool{}
	deadline := time.After(time.Second)
	for !(seen[events.EventRunStarted] && seen[events.EventTaskSucceeded] && seen[events.EventRunCompleted]) {
		select {
		case event := <-ch:
			seen[event.Type] = true
		case <-deadline:
			t.Fatalf("未收齐生命周期事件: %v", seen)
		}
	}
}

func TestOrchestrator_RecorderReceivesResults(t *testing.T) {
	recorder := &memoryRecorder{}
	alpha := &scriptedAdapter{name: "alpha", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){okScript("好")}}
	beta := &scriptedAdapter{name: "beta", scripts: []func(context.Context, provider.EmitFunc) (*provider.Usage, error){errScript(401, "bad key")}}

	o := newOrchestrator(t, Options{Recorder: recorder}, alpha, beta)
	_, err := o.Run(context.Background(), "问题", []string{"alpha", "beta"})
	require.NoError(t, err)

	records := recorder.snapshot()
	assert.Len(t, records, 2)
	for _, r := range records {
		assert.NotEmpty(t, r.runID)
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []recordedRun
}

type recordedRun struct {
	runID  string
	result runner.Result
}

func (m *memoryRecorder) RecordRun(runID string, result runner.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recordedRun{runID: runID, result: result})
}

func (m *memoryRecorder) snapshot() []recordedRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedRun(nil), m.records...)
}

func TestHeuristicEstimator(t *testing.T) {
	e := NewHeuristicEstimator()

	assert.Equal(t, 256, e.Estimate("短"), "短提示词取下界")
	assert.Equal(t, 4096, e.Estimate(strings.Repeat("长提示词", 3000)), "超长提示词取上界")

	mid := e.Estimate(strings.Repeat("a", 4000))
	assert.Greater(t, mid, 256)
	assert.Less(t, mid, 4096)
}
