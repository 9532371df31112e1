package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"llm-fanout/internal/classify"
)

// Operation 可重试的操作，每次尝试重新建立连接/流
type Operation[T any] func(ctx context.Context) (T, error)

// AttemptCallback 每次决定重试时回调一次
// 这是执行器对外的唯一进度旁路，attempt为刚失败的尝试序号
type AttemptCallback func(attempt int, delay time.Duration, analysis classify.Analysis)

// Result 一次执行的最终结果
type Result[T any] struct {
	Value    T
	Attempts int // 实际发起的尝试次数
}

// Execute 通用重试执行器
// 第1次直接调用operation；失败后分类，不可重试或次数耗尽则返回最终失败，
// 否则按策略计算延迟、回调onAttempt、等待（可取消）后重试。
// 首次尝试命中不可重试错误时立即短路，不计入退避流程。
func Execute[T any](
	ctx context.Context,
	provider string,
	op Operation[T],
	retryable func(classify.Analysis) bool,
	policies PolicySet,
	onAttempt AttemptCallback,
) (Result[T], error) {
	for attempt := 1; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return Result[T]{Value: value, Attempts: attempt}, nil
		}

		analysis := classify.Classify(err, provider)

		// 不可重试：无论第几次尝试都立即终止，重试只会浪费时间
		if !analysis.Retryable || (retryable != nil && !retryable(analysis)) {
			return Result[T]{Attempts: attempt}, &classify.FailureError{Analysis: analysis, Cause: err}
		}

		policy := policies.For(analysis.Code)
		if attempt >= policy.MaxAttempts {
			slog.Warn(fmt.Sprintf("💥 [重试耗尽] [%s] %d 次尝试全部失败", provider, attempt),
				"code", analysis.Code, "error", analysis.RawMessage)
			return Result[T]{Attempts: attempt}, &classify.FailureError{Analysis: analysis, Cause: err}
		}

		delay := policy.NextDelay(attempt)
		if onAttempt != nil {
			onAttempt(attempt, delay, analysis)
		}

		slog.Info(fmt.Sprintf("⏳ [等待重试] [%s] %s后进行第%d次尝试", provider, delay.Round(time.Millisecond), attempt+1),
			"code", analysis.Code, "attempt", attempt, "max_attempts", policy.MaxAttempts)

		// 退避等待必须可取消，绝不遗留悬挂的定时器
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			cancelled := classify.Classify(ctx.Err(), provider)
			return Result[T]{Attempts: attempt}, &classify.FailureError{Analysis: cancelled, Cause: ctx.Err()}
		case <-timer.C:
		}
	}
}
