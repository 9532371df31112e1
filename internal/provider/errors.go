package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"llm-fanout/internal/classify"
)

// maxErrorBodySize 错误响应体读取上限，防止异常后端撑爆内存
const maxErrorBodySize = 64 * 1024

// apiErrorBody 覆盖各家后端错误响应的常见形态
// Anthropic/OpenAI把错误包在error对象里，Ollama直接给字符串
type apiErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Param   string `json:"param"`
		Code    string `json:"code"`
	} `json:"error"`
	ErrorText string `json:"-"`
}

// readErrorBody 把非2xx响应转换为带结构化信息的StatusError
func readErrorBody(provider, kind string, resp *http.Response) error {
	reader, err := decompressBody(resp)
	if err != nil {
		reader = resp.Body
	}

	raw, _ := io.ReadAll(io.LimitReader(reader, maxErrorBodySize))

	statusErr := &classify.StatusError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
	}

	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error.Message != "" {
			statusErr.Type = body.Error.Type
			statusErr.Message = body.Error.Message
			statusErr.Param = body.Error.Param
			if statusErr.Type == "" {
				statusErr.Type = body.Error.Code
			}
		} else {
			// Ollama形态: {"error": "model 'x' not found"}
			var flat struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(raw, &flat) == nil && flat.Error != "" {
				statusErr.Message = flat.Error
			}
		}
	}

	if statusErr.Message == "" {
		statusErr.Message = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return statusErr
}
