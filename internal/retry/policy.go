// Package retry 提供重试策略、指数退避计算和通用重试执行器
// 执行器是纯控制流原语，不感知提供商，也不依赖任何界面组件
package retry

import (
	"math"
	"math/rand"
	"time"

	"llm-fanout/internal/classify"
)

// Policy 一个错误族的重试策略配置，创建后不可变
type Policy struct {
	MaxAttempts int           // 最大尝试次数（含首次）
	BaseDelay   time.Duration // 基础延迟
	MaxDelay    time.Duration // 延迟上限
	Multiplier  float64       // 退避倍数
	JitterRatio float64       // 抖动比例，延迟乘以 [1-j, 1+j] 内的均匀随机数
}

// DefaultExponential 指数退避策略
// 适用于限流、服务器错误、网关超时、连接错误等瞬时故障
func DefaultExponential() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0.2,
	}
}

// Backoff 计算第attempt次失败后的基础退避延迟（不含抖动）
// 算法：min(MaxDelay, BaseDelay * Multiplier^(attempt-1))
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

// NextDelay 在基础退避上叠加抖动，避免同步重试风暴
func (p Policy) NextDelay(attempt int) time.Duration {
	delay := p.Backoff(attempt)
	if p.JitterRatio <= 0 {
		return delay
	}

	factor := 1 + p.JitterRatio*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// PolicySet 按错误族划分的策略集合
// 限流族和其余瞬时故障族可以使用不同的基础延迟
type PolicySet struct {
	Default   Policy // 服务器错误、网关、超时、连接错误
	RateLimit Policy // RATE_LIMIT/THROTTLE_REQUEST 限速族
}

// DefaultPolicySet 内置默认策略集合
// 配置源不可用时回退到这里，绝不因配置缺失导致整次运行失败
func DefaultPolicySet() PolicySet {
	return PolicySet{
		Default:   DefaultExponential(),
		RateLimit: DefaultExponential(),
	}
}

// For 返回指定错误码所属错误族的策略
// 限速族包含 RATE_LIMIT 和 THROTTLE_REQUEST，其余瞬时故障走默认族
func (ps PolicySet) For(code classify.ErrorCode) Policy {
	switch code {
	case classify.CodeRateLimit, classify.CodeThrottleRequest:
		return ps.RateLimit
	}
	return ps.Default
}
