package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent 一条解析完成的SSE事件
type sseEvent struct {
	Event string
	Data  string
}

// sseScanner 按SSE帧边界切分事件流
// 事件由空行分隔；多行data按规范用换行拼接
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	scanner := bufio.NewScanner(r)
	// 单条事件可能携带较大的JSON负载，放宽行缓冲上限
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{scanner: scanner}
}

// Next 读取下一条事件，流结束返回io.EOF
func (s *sseScanner) Next() (sseEvent, error) {
	var event sseEvent
	var dataLines []string
	seen := false

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		if line == "" {
			if seen {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		// 冒号开头是注释行(keep-alive)，直接跳过
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event.Event = value
			seen = true
		case "data":
			dataLines = append(dataLines, value)
			seen = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if seen {
		event.Data = strings.Join(dataLines, "\n")
		return event, nil
	}
	return sseEvent{}, io.EOF
}
