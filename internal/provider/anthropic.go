package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"llm-fanout/internal/classify"
)

// KindAnthropic等标识提供商种类，错误分类按种类选择状态码词汇表
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindOllama    = "ollama"
)

// AnthropicAdapter 对接Anthropic Messages流式接口
type AnthropicAdapter struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewAnthropicAdapter 创建Anthropic适配器
func NewAnthropicAdapter(name, baseURL, apiKey, model string, client *http.Client) *AnthropicAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicAdapter{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  client,
	}
}

func (a *AnthropicAdapter) Name() string { return a.name }

// anthropicStreamEvent Messages流式事件的统一负载
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream 发起一次流式生成，每个文本增量按顺序回调emit
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request, emit EmitFunc) (*Usage, error) {
	payload := map[string]any{
		"model":      a.model,
		"max_tokens": req.OutputCap,
		"stream":     true,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readErrorBody(a.name, KindAnthropic, resp)
	}

	reader, err := decompressBody(resp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	usage := &Usage{}
	scanner := newSSEScanner(reader)
	sawStop := false

	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return usage, wrapStreamErr(ctx, err)
		}

		var payload anthropicStreamEvent
		if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
			slog.Debug(fmt.Sprintf("🔍 [Anthropic流] 跳过无法解析的事件: %s", event.Event))
			continue
		}

		switch payload.Type {
		case "message_start":
			usage.InputTokens = payload.Message.Usage.InputTokens
		case "content_block_delta":
			if payload.Delta.Type == "text_delta" && payload.Delta.Text != "" {
				emit(payload.Delta.Text)
			}
		case "message_delta":
			if payload.Usage.OutputTokens > 0 {
				usage.OutputTokens = payload.Usage.OutputTokens
			}
		case "message_stop":
			sawStop = true
		case "error":
			return usage, &classify.StatusError{
				Provider:   a.name,
				Kind:       KindAnthropic,
				StatusCode: resp.StatusCode,
				Type:       payload.Error.Type,
				Message:    payload.Error.Message,
			}
		}
	}

	// 流在message_stop之前断开视为连接错误，交给上层重试
	if !sawStop {
		return usage, &classify.StatusError{
			Provider:   a.name,
			Kind:       KindAnthropic,
			StatusCode: resp.StatusCode,
			Message:    "stream closed before message_stop: unexpected EOF",
		}
	}
	return usage, nil
}

// wrapStreamErr 流读取错误优先保留取消语义
func wrapStreamErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
