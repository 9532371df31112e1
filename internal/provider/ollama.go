package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"llm-fanout/internal/classify"
)

// OllamaAdapter 对接Ollama本地推理的NDJSON流式接口
type OllamaAdapter struct {
	name    string
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaAdapter 创建Ollama适配器，本地部署无需API密钥
func NewOllamaAdapter(name, baseURL, model string, client *http.Client) *OllamaAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaAdapter{
		name:    name,
		baseURL: baseURL,
		model:   model,
		client:  client,
	}
}

func (o *OllamaAdapter) Name() string { return o.name }

// ollamaChunk /api/generate的单行NDJSON负载
type ollamaChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
	Error           string `json:"error"`
}

// Stream 发起一次流式生成，每行response增量按顺序回调emit
func (o *OllamaAdapter) Stream(ctx context.Context, req Request, emit EmitFunc) (*Usage, error) {
	payload := map[string]any{
		"model":  o.model,
		"prompt": req.Prompt,
		"stream": true,
		"options": map[string]any{
			"num_predict": req.OutputCap,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readErrorBody(o.name, KindOllama, resp)
	}

	reader, err := decompressBody(resp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	usage := &Usage{}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sawDone := false

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Debug("🔍 [Ollama流] 跳过无法解析的行")
			continue
		}

		if chunk.Error != "" {
			return usage, &classify.StatusError{
				Provider:   o.name,
				Kind:       KindOllama,
				StatusCode: resp.StatusCode,
				Message:    chunk.Error,
			}
		}

		if chunk.Response != "" {
			emit(chunk.Response)
		}
		if chunk.Done {
			usage.InputTokens = chunk.PromptEvalCount
			usage.OutputTokens = chunk.EvalCount
			sawDone = true
			break
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return usage, wrapStreamErr(ctx, err)
	}

	if !sawDone {
		return usage, &classify.StatusError{
			Provider:   o.name,
			Kind:       KindOllama,
			StatusCode: resp.StatusCode,
			Message:    "stream closed before done marker: unexpected EOF",
		}
	}
	return usage, nil
}
