package classify

// ErrorCode 归一化错误码
// 所有提供商的失败最终都映射到这组错误码，下游逻辑不再区分提供商
type ErrorCode string

const (
	// 瞬时/基础设施类错误（可自动恢复）
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeServerError       ErrorCode = "SERVER_ERROR"
	CodeServiceOverloaded ErrorCode = "SERVICE_OVERLOADED"
	CodeThrottleRequest   ErrorCode = "THROTTLE_REQUEST"
	CodeGatewayTimeout    ErrorCode = "GATEWAY_TIMEOUT"
	CodeConnectionError   ErrorCode = "CONNECTION_ERROR"
	CodeTimeout           ErrorCode = "TIMEOUT"

	// 需要用户处理的错误（不自动重试）
	CodeInvalidAuth            ErrorCode = "INVALID_AUTH"
	CodeInsufficientBalance    ErrorCode = "INSUFFICIENT_BALANCE"
	CodePermissionDenied       ErrorCode = "PERMISSION_DENIED"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeInvalidRequestFormat   ErrorCode = "INVALID_REQUEST_FORMAT"
	CodeContentPolicyViolation ErrorCode = "CONTENT_POLICY_VIOLATION"
	CodeContextLengthExceeded  ErrorCode = "CONTEXT_LENGTH_EXCEEDED"
	CodeQuotaExceeded          ErrorCode = "QUOTA_EXCEEDED"
	CodeModelUnavailable       ErrorCode = "MODEL_UNAVAILABLE"

	// 用户主动取消（终止状态，不重试）
	CodeCancelled ErrorCode = "CANCELLED"

	// 无法识别的错误，保守处理为不可重试
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Severity 错误严重程度
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Metadata 错误码的静态元数据
// 不变量：Retryable 与"需要用户处理"互斥，没有第三种状态
type Metadata struct {
	Retryable   bool
	Severity    Severity
	Explanation string // 面向用户的错误说明
	Remediation string // 面向用户的处理建议
}

var codeMetadata = map[ErrorCode]Metadata{
	CodeRateLimit: {
		Retryable:   true,
		Severity:    SeverityMedium,
		Explanation: "请求频率超过了提供商的限制",
		Remediation: "系统将自动退避重试，无需人工干预",
	},
	CodeServerError: {
		Retryable:   true,
		Severity:    SeverityMedium,
		Explanation: "提供商服务器内部错误",
		Remediation: "系统将自动重试，若持续失败请稍后再试",
	},
	CodeServiceOverloaded: {
		Retryable:   true,
		Severity:    SeverityMedium,
		Explanation: "提供商服务当前过载",
		Remediation: "系统将自动退避重试，高峰期可能需要多次尝试",
	},
	CodeThrottleRequest: {
		Retryable:   true,
		Severity:    SeverityMedium,
		Explanation: "提供商要求降低请求速率",
		Remediation: "系统将降低该提供商的并发量并进入冷却期",
	},
	CodeGatewayTimeout: {
		Retryable:   true,
		Severity:    SeverityMedium,
		Explanation: "上游网关响应超时",
		Remediation: "系统将自动重试，若持续失败请检查网络链路",
	},
	CodeConnectionError: {
		Retryable:   true,
		Severity:    SeverityMedium,
		Explanation: "与提供商建立连接失败或连接中断",
		Remediation: "系统将自动重试，若持续失败请检查网络或代理配置",
	},
	CodeTimeout: {
		Retryable:   true,
		Severity:    SeverityMedium,
		Explanation: "请求在超时时间内未完成",
		Remediation: "系统将自动重试，必要时可调大该提供商的超时配置",
	},
	CodeInvalidAuth: {
		Retryable:   false,
		Severity:    SeverityCritical,
		Explanation: "API密钥无效或已过期",
		Remediation: "请检查该提供商的API密钥配置后手动重试",
	},
	CodeInsufficientBalance: {
		Retryable:   false,
		Severity:    SeverityCritical,
		Explanation: "账户余额不足",
		Remediation: "请为该提供商账户充值后手动重试",
	},
	CodePermissionDenied: {
		Retryable:   false,
		Severity:    SeverityHigh,
		Explanation: "当前密钥没有访问该资源的权限",
		Remediation: "请检查密钥的权限范围或更换密钥",
	},
	CodeNotFound: {
		Retryable:   false,
		Severity:    SeverityMedium,
		Explanation: "请求的资源不存在",
		Remediation: "请检查模型名称和接口路径配置",
	},
	CodeInvalidRequestFormat: {
		Retryable:   false,
		Severity:    SeverityMedium,
		Explanation: "请求格式不正确",
		Remediation: "请检查请求参数后重新提交",
	},
	CodeContentPolicyViolation: {
		Retryable:   false,
		Severity:    SeverityHigh,
		Explanation: "请求内容触发了提供商的内容安全策略",
		Remediation: "请修改提示词内容后重新提交",
	},
	CodeContextLengthExceeded: {
		Retryable:   false,
		Severity:    SeverityMedium,
		Explanation: "输入长度超过了模型的上下文窗口",
		Remediation: "请缩短提示词或减少附带的文档内容",
	},
	CodeQuotaExceeded: {
		Retryable:   false,
		Severity:    SeverityHigh,
		Explanation: "已用尽该提供商的配额",
		Remediation: "请提升配额或等待配额周期重置后手动重试",
	},
	CodeModelUnavailable: {
		Retryable:   false,
		Severity:    SeverityMedium,
		Explanation: "请求的模型当前不可用",
		Remediation: "请更换模型或稍后手动重试",
	},
	CodeCancelled: {
		Retryable:   false,
		Severity:    SeverityLow,
		Explanation: "请求已被调用方取消",
		Remediation: "如需结果请重新发起请求",
	},
	CodeUnknown: {
		Retryable:   false,
		Severity:    SeverityHigh,
		Explanation: "发生了无法识别的错误",
		Remediation: "请查看原始错误信息，必要时联系管理员",
	},
}

// Metadata 返回错误码的静态元数据，未知错误码按 UNKNOWN 处理
func (c ErrorCode) Metadata() Metadata {
	if meta, ok := codeMetadata[c]; ok {
		return meta
	}
	return codeMetadata[CodeUnknown]
}

// Retryable 该错误码是否可自动重试
func (c ErrorCode) Retryable() bool {
	return c.Metadata().Retryable
}
