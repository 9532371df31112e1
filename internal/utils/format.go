// Package utils 提供通用的工具函数
package utils

import (
	"fmt"
	"time"
)

// FormatDuration 友好格式化时间长度显示
// 用法: utils.FormatDuration(duration)
func FormatDuration(duration time.Duration) string {
	if duration == 0 {
		return "0ms"
	}

	// 转换为毫秒
	ms := float64(duration.Nanoseconds()) / 1e6

	if ms < 1 {
		// 小于1毫秒，显示微秒
		us := float64(duration.Nanoseconds()) / 1e3
		if us < 1 {
			return "< 1μs"
		}
		return fmt.Sprintf("%.0fμs", us)
	} else if ms < 1000 {
		// 1-999毫秒，显示毫秒（整数）
		return fmt.Sprintf("%.0fms", ms)
	} else if ms < 60000 {
		// 1-59秒，显示秒
		seconds := ms / 1000
		if seconds < 10 {
			return fmt.Sprintf("%.1fs", seconds)
		}
		return fmt.Sprintf("%.0fs", seconds)
	} else {
		// 大于1分钟，显示分秒
		minutes := int(ms / 60000)
		seconds := (ms - float64(minutes*60000)) / 1000
		return fmt.Sprintf("%dm%.0fs", minutes, seconds)
	}
}

// FormatPercentage 格式化百分比显示
// 用法: utils.FormatPercentage(value, total)
func FormatPercentage(value, total int64) string {
	if total == 0 {
		return "0.0%"
	}
	percentage := float64(value) / float64(total) * 100
	return fmt.Sprintf("%.1f%%", percentage)
}

// TruncateText 截断过长文本用于界面展示，按rune截断避免拆散多字节字符
// 用法: utils.TruncateText(text, 80)
func TruncateText(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
