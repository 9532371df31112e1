package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// getLogDir 获取项目日志目录，默认为 logs/
func getLogDir() string {
	return "logs"
}

// WriteRunDebug 异步保存无法归类的失败现场用于调试
// 不影响主流程性能，如果写入失败也会静默忽略
// 同一提供商的多次失败会追加到同一文件中
func WriteRunDebug(provider, partial string, cause error) {
	if provider == "" {
		return
	}

	// 异步写入，不阻塞主流程
	go func() {
		logDir := getLogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return // 静默失败，不影响主流程
		}

		filename := filepath.Join(logDir, fmt.Sprintf("%s.debug", provider))

		debugContent := "\n=== 未归类失败调试信息 ===\n"
		debugContent += fmt.Sprintf("提供商: %s\n", provider)
		debugContent += fmt.Sprintf("时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))
		debugContent += fmt.Sprintf("原始错误: %v\n", cause)
		debugContent += fmt.Sprintf("已接收内容长度: %d 字节\n", len(partial))
		debugContent += "=== 已接收内容 ===\n" + partial + "\n"
		debugContent += "=== 分割线 ===\n\n"

		// 追加写入文件（如果失败，静默忽略）
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return // 静默失败
		}
		defer file.Close()

		file.WriteString(debugContent)
	}()
}
