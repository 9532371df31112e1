// Package classify 将各提供商的原始失败归一化为统一的错误分类
// 分类优先级：结构化错误类型 > HTTP状态码 > 错误消息子串 > UNKNOWN
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StatusError 提供商适配器上报的统一失败形态
// 适配器负责把传输层错误和非2xx响应转换成这个结构
type StatusError struct {
	Provider   string // 提供商实例标识，用于上报
	Kind       string // 提供商种类(anthropic/openai/ollama)，决定状态码词汇表，为空时退回Provider
	StatusCode int    // HTTP状态码，传输层错误为0
	Type       string // 提供商返回的结构化错误类型字段，可能为空
	Message    string // 原始错误消息
	Param      string // 格式错误时提供商指出的参数名，可能为空
}

func (e *StatusError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
}

// Analysis 单次具体失败的分类结果
// 每次失败新建一份，创建后不再修改
type Analysis struct {
	Code       ErrorCode
	Severity   Severity
	Retryable  bool
	RawMessage string
	Provider   string
	StatusCode int
	ParamName  string
}

// Explanation 面向用户的错误说明
// 带参数名的格式错误会把参数名拼进说明，保证提示可操作
func (a Analysis) Explanation() string {
	meta := a.Code.Metadata()
	if a.ParamName != "" {
		return fmt.Sprintf("%s：参数 %q 无效", meta.Explanation, a.ParamName)
	}
	return meta.Explanation
}

// Remediation 面向用户的处理建议
func (a Analysis) Remediation() string {
	return a.Code.Metadata().Remediation
}

// Describe 完整的用户可读描述，终止失败时展示
func (a Analysis) Describe() string {
	return fmt.Sprintf("%s（%s）。%s", a.Explanation(), a.Code, a.Remediation())
}

// FailureError 把分类结果包装成error，沿重试链路向上传递
type FailureError struct {
	Analysis Analysis
	Cause    error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Analysis.Code, e.Analysis.RawMessage)
}

func (e *FailureError) Unwrap() error {
	return e.Cause
}

// 结构化错误类型字段 -> 错误码
// 这是最可靠的信号，各提供商的类型词汇表互不相同但目标集合一致
var typeCodes = map[string]ErrorCode{
	// anthropic 风格
	"rate_limit_error":     CodeRateLimit,
	"overloaded_error":     CodeServiceOverloaded,
	"api_error":            CodeServerError,
	"authentication_error": CodeInvalidAuth,
	"permission_error":     CodePermissionDenied,
	"not_found_error":      CodeNotFound,
	"invalid_request_error": CodeInvalidRequestFormat,
	"timeout_error":        CodeTimeout,

	// openai 风格
	"insufficient_quota":      CodeQuotaExceeded,
	"context_length_exceeded": CodeContextLengthExceeded,
	"content_policy_violation": CodeContentPolicyViolation,
	"model_not_found":         CodeModelUnavailable,
	"server_error":            CodeServerError,

	// bedrock/通用限速风格
	"throttling_error":     CodeThrottleRequest,
	"throttling_exception": CodeThrottleRequest,
}

// 默认状态码词汇表
var defaultStatusCodes = map[int]ErrorCode{
	400: CodeInvalidRequestFormat,
	401: CodeInvalidAuth,
	402: CodeInsufficientBalance,
	403: CodePermissionDenied,
	404: CodeNotFound,
	408: CodeTimeout,
	413: CodeContextLengthExceeded,
	429: CodeRateLimit,
	500: CodeServerError,
	502: CodeServerError,
	503: CodeServiceOverloaded,
	504: CodeGatewayTimeout,
}

// 各提供商的状态码词汇表，覆盖默认表
// 同一种过载状况不同提供商用不同状态码表达，归一化后下游不再特判
var providerStatusCodes = map[string]map[int]ErrorCode{
	"anthropic": {
		529: CodeServiceOverloaded,
	},
	"openai": {
		503: CodeServiceOverloaded,
	},
	"ollama": {
		// ollama 在模型不存在时返回404，加载失败时返回503
		404: CodeModelUnavailable,
		503: CodeModelUnavailable,
	},
}

// 错误消息子串 -> 错误码，大小写不敏感，按序匹配
var messagePatterns = []struct {
	substr string
	code   ErrorCode
}{
	{"throttl", CodeThrottleRequest},
	{"slow down", CodeThrottleRequest},
	{"rate limit", CodeRateLimit},
	{"too many requests", CodeRateLimit},
	{"overloaded", CodeServiceOverloaded},
	{"capacity", CodeServiceOverloaded},
	{"context length", CodeContextLengthExceeded},
	{"maximum context", CodeContextLengthExceeded},
	{"too many tokens", CodeContextLengthExceeded},
	{"prompt is too long", CodeContextLengthExceeded},
	{"content policy", CodeContentPolicyViolation},
	{"content_filter", CodeContentPolicyViolation},
	{"safety", CodeContentPolicyViolation},
	{"insufficient balance", CodeInsufficientBalance},
	{"insufficient credit", CodeInsufficientBalance},
	{"billing", CodeInsufficientBalance},
	{"quota", CodeQuotaExceeded},
	{"api key", CodeInvalidAuth},
	{"unauthorized", CodeInvalidAuth},
	{"authentication", CodeInvalidAuth},
	{"permission", CodePermissionDenied},
	{"forbidden", CodePermissionDenied},
	{"model not found", CodeModelUnavailable},
	{"model is not available", CodeModelUnavailable},
	{"not found", CodeNotFound},
	{"gateway timeout", CodeGatewayTimeout},
	{"deadline exceeded", CodeTimeout},
	{"timeout", CodeTimeout},
	{"timed out", CodeTimeout},
	{"connection refused", CodeConnectionError},
	{"connection reset", CodeConnectionError},
	{"broken pipe", CodeConnectionError},
	{"no such host", CodeConnectionError},
	{"network is unreachable", CodeConnectionError},
	{"no route to host", CodeConnectionError},
	{"unexpected eof", CodeConnectionError},
	{"eof", CodeConnectionError},
	{"invalid request", CodeInvalidRequestFormat},
	{"bad request", CodeInvalidRequestFormat},
	{"canceled", CodeCancelled},
	{"cancelled", CodeCancelled},
}

// Classify 把一次具体失败归一化为Analysis，保证不panic
// provider 为产生该失败的提供商标识，用于选择状态码词汇表
func Classify(err error, provider string) Analysis {
	if err == nil {
		return newAnalysis(CodeUnknown, "", provider, 0, "")
	}

	// context取消/超时优先识别，避免被消息匹配误判
	if errors.Is(err, context.Canceled) {
		return newAnalysis(CodeCancelled, err.Error(), provider, 0, "")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAnalysis(CodeTimeout, err.Error(), provider, 0, "")
	}

	// 1. 结构化错误：优先用类型字段，其次状态码
	var se *StatusError
	if errors.As(err, &se) {
		kind := se.Kind
		if kind == "" {
			kind = se.Provider
		}
		if se.Type != "" {
			if code, ok := typeCodes[strings.ToLower(se.Type)]; ok {
				return newAnalysis(code, se.Message, se.Provider, se.StatusCode, se.Param)
			}
		}
		if code, ok := lookupStatusCode(kind, se.StatusCode); ok {
			return newAnalysis(code, se.Message, se.Provider, se.StatusCode, se.Param)
		}
		if code, ok := matchMessage(se.Message); ok {
			return newAnalysis(code, se.Message, se.Provider, se.StatusCode, se.Param)
		}
		return newAnalysis(CodeUnknown, se.Message, se.Provider, se.StatusCode, se.Param)
	}

	// 2. 网络层错误
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newAnalysis(CodeTimeout, err.Error(), provider, 0, "")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newAnalysis(CodeConnectionError, err.Error(), provider, 0, "")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newAnalysis(CodeConnectionError, err.Error(), provider, 0, "")
	}

	// 3. 消息子串匹配
	if code, ok := matchMessage(err.Error()); ok {
		return newAnalysis(code, err.Error(), provider, 0, "")
	}

	// 4. 兜底：未知错误不重试
	return newAnalysis(CodeUnknown, err.Error(), provider, 0, "")
}

func lookupStatusCode(kind string, status int) (ErrorCode, bool) {
	if status <= 0 {
		return "", false
	}
	if vocab, ok := providerStatusCodes[kind]; ok {
		if code, ok := vocab[status]; ok {
			return code, true
		}
	}
	if code, ok := defaultStatusCodes[status]; ok {
		return code, true
	}
	// 未明确列出的 5xx 按服务器错误处理
	if status >= 500 && status < 600 {
		return CodeServerError, true
	}
	return "", false
}

func matchMessage(message string) (ErrorCode, bool) {
	lower := strings.ToLower(message)
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.substr) {
			return p.code, true
		}
	}
	return "", false
}

func newAnalysis(code ErrorCode, raw, provider string, status int, param string) Analysis {
	meta := code.Metadata()
	return Analysis{
		Code:       code,
		Severity:   meta.Severity,
		Retryable:  meta.Retryable,
		RawMessage: raw,
		Provider:   provider,
		StatusCode: status,
		ParamName:  param,
	}
}
