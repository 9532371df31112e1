package orchestrator

import "unicode/utf8"

// CapEstimator 估算一次提示词对应的输出token上限
// 对编排核心保持不透明，替换估算策略不影响调度逻辑
type CapEstimator interface {
	Estimate(prompt string) int
}

// HeuristicEstimator 默认的启发式估算器
// 按字符数粗略折算提示词token数，再乘以扩展系数并夹在上下界之间
type HeuristicEstimator struct {
	CharsPerToken float64 // 平均每token字符数，默认4
	Multiplier    float64 // 输出相对输入的扩展系数，默认2
	MinTokens     int     // 下界，默认256
	MaxTokens     int     // 上界，默认4096
}

// NewHeuristicEstimator 返回带默认参数的估算器
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{
		CharsPerToken: 4,
		Multiplier:    2,
		MinTokens:     256,
		MaxTokens:     4096,
	}
}

func (e *HeuristicEstimator) Estimate(prompt string) int {
	charsPerToken := e.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	promptTokens := float64(utf8.RuneCountInString(prompt)) / charsPerToken
	budget := int(promptTokens * multiplier)

	if e.MinTokens > 0 && budget < e.MinTokens {
		budget = e.MinTokens
	}
	if e.MaxTokens > 0 && budget > e.MaxTokens {
		budget = e.MaxTokens
	}
	return budget
}
