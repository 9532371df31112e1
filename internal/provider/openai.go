package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"llm-fanout/internal/classify"
)

// OpenAIAdapter 对接OpenAI Chat Completions流式接口
type OpenAIAdapter struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIAdapter 创建OpenAI适配器
func NewOpenAIAdapter(name, baseURL, apiKey, model string, client *http.Client) *OpenAIAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIAdapter{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  client,
	}
}

func (o *OpenAIAdapter) Name() string { return o.name }

// openaiChunk chat.completion.chunk事件负载
type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Param   string `json:"param"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Stream 发起一次流式生成，chunk里的content增量按顺序回调emit
func (o *OpenAIAdapter) Stream(ctx context.Context, req Request, emit EmitFunc) (*Usage, error) {
	payload := map[string]any{
		"model":                 o.model,
		"stream":                true,
		"max_completion_tokens": req.OutputCap,
		"stream_options":        map[string]bool{"include_usage": true},
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readErrorBody(o.name, KindOpenAI, resp)
	}

	reader, err := decompressBody(resp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	usage := &Usage{}
	scanner := newSSEScanner(reader)
	sawDone := false

	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return usage, wrapStreamErr(ctx, err)
		}

		data := strings.TrimSpace(event.Data)
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk openaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("🔍 [OpenAI流] 跳过无法解析的chunk")
			continue
		}

		// 流中内嵌的错误事件按结构化错误返回
		if chunk.Error != nil {
			errType := chunk.Error.Type
			if errType == "" {
				errType = chunk.Error.Code
			}
			return usage, &classify.StatusError{
				Provider:   o.name,
				Kind:       KindOpenAI,
				StatusCode: resp.StatusCode,
				Type:       errType,
				Message:    chunk.Error.Message,
				Param:      chunk.Error.Param,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				emit(choice.Delta.Content)
			}
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
	}

	if !sawDone {
		return usage, &classify.StatusError{
			Provider:   o.name,
			Kind:       KindOpenAI,
			StatusCode: resp.StatusCode,
			Message:    "stream closed before [DONE]: unexpected EOF",
		}
	}
	return usage, nil
}
