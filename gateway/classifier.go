package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/types"
)

// ============================================================
// 🧭 错误分类器
// ============================================================

// Decision 分类结果：同候选重试，或换下一个候选。
// 没有"放弃整个请求"的分类结果——除非 Provider 显式配置了
// 早停规则，或错误本身是终止整请求的客户端错误，否则故障
// 转移总是继续走向下一个候选。
type Decision int

const (
	// DecisionContinue 在同一候选上重试
	DecisionContinue Decision = iota
	// DecisionBreak 放弃该候选，换下一个
	DecisionBreak
)

func (d Decision) String() string {
	if d == DecisionContinue {
		return "continue"
	}
	return "break"
}

// ErrorClassifier 把尝试错误归约为故障转移决策，并把上游 HTTP
// 错误信封解析成类型化错误
type ErrorClassifier struct {
	logger *zap.Logger
}

// NewErrorClassifier 创建分类器
func NewErrorClassifier(logger *zap.Logger) *ErrorClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorClassifier{logger: logger.With(zap.String("component", "classifier"))}
}

// Classify 决策表：
//   - 准入拒绝 → BREAK（同凭证重试无意义，与剩余重试数无关）
//   - HTTP 401/403 → BREAK（鉴权问题不会靠重试自愈）
//   - 其余 HTTP / 传输 / 超时错误 → 有剩余重试则 CONTINUE，否则 BREAK
//   - 其他一切 → BREAK
func (c *ErrorClassifier) Classify(err error, hasRetryLeft bool) Decision {
	if err == nil {
		return DecisionBreak
	}

	if te, ok := types.AsError(err); ok {
		switch te.Code {
		case types.ErrAdmissionRejected:
			return DecisionBreak
		case types.ErrAuthFailure, types.ErrAccessDenied:
			return DecisionBreak
		case types.ErrRateLimited, types.ErrCompatibility,
			types.ErrClientError, types.ErrThinkingSignature:
			return DecisionBreak
		}
		if te.HTTPStatus == 401 || te.HTTPStatus == 403 {
			return DecisionBreak
		}
		if te.HTTPStatus != 0 || te.Code == types.ErrUnavailable || te.Code == types.ErrStreamProbe {
			if hasRetryLeft {
				return DecisionContinue
			}
			return DecisionBreak
		}
		return DecisionBreak
	}

	// 传输层 / 超时错误
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		if hasRetryLeft {
			return DecisionContinue
		}
		return DecisionBreak
	}

	return DecisionBreak
}

// ShouldStop 应用 Provider 的早停规则：错误体包含规则子串即
// 终止整次运行。规则限定了状态码而当前状态不在其中时，规则
// 跳过（不算满足）。
func (c *ErrorClassifier) ShouldStop(provider *Provider, status int, body string) bool {
	if provider == nil {
		return false
	}
	for _, rule := range provider.ErrorStopPatterns {
		if rule.Pattern == "" {
			continue
		}
		if len(rule.Statuses) > 0 {
			matched := false
			for _, s := range rule.Statuses {
				if s == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if strings.Contains(body, rule.Pattern) {
			c.logger.Info("provider stop rule matched",
				zap.String("provider", provider.Code),
				zap.String("pattern", rule.Pattern),
				zap.Int("status", status))
			return true
		}
	}
	return false
}

// ============================================================
// HTTP 错误信封解析
// ============================================================

// 已知的 403 账户态短语（需要重新验证 / 被停用）
var authPhrases = []string{
	"re-verification",
	"verify your account",
	"account has been suspended",
	"account deactivated",
	"organization has been disabled",
}

// 协议兼容性短语：换一家提供商也许能接受同样的请求
var compatibilityPhrases = []string{
	"unsupported parameter",
	"unsupported model",
	"unknown parameter",
	"unsupported feature",
	"not supported on this model",
	"parameter is not supported",
}

// 不可重试的客户端错误短语：在哪家重试都没用
var clientErrorPhrases = []string{
	"content policy",
	"content_policy",
	"content management policy",
	"context length",
	"context_length_exceeded",
	"maximum context",
	"prompt is too long",
	"tool call not found",
	"invalid tool",
	"tool_use ids were found without",
}

// 思维链签名短语：跨提供商续写 reasoning 的结构问题
var thinkingPhrases = []string{
	"thinking signature",
	"reasoning signature",
	"signature verification failed",
	"invalid signature",
	"thinking block",
	"signature field",
}

// ConvertHTTPError 解析多种上游错误信封（嵌套 error 对象、
// errorMessage、裸字符串、AWS __type/reason）并归类为类型化错误
func (c *ErrorClassifier) ConvertHTTPError(provider string, status int, body []byte, headers map[string]string) *types.Error {
	message := extractErrorMessage(body)
	lower := strings.ToLower(message)

	switch {
	case status == 401:
		return types.NewError(types.ErrAuthFailure, messageOr(message, "authentication failed")).
			WithHTTPStatus(status).WithProvider(provider)

	case status == 403:
		if containsAny(lower, authPhrases) {
			return types.NewError(types.ErrAuthFailure, message).
				WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrAccessDenied, messageOr(message, "permission denied")).
			WithHTTPStatus(status).WithProvider(provider)

	case status == 429:
		return types.NewRateLimitedError(provider, parseRetryAfter(headers)).
			WithHTTPStatus(status)

	case status == 400:
		switch {
		case containsAny(lower, thinkingPhrases):
			return types.NewError(types.ErrThinkingSignature, message).
				WithHTTPStatus(status).WithProvider(provider)
		case containsAny(lower, clientErrorPhrases):
			return types.NewError(types.ErrClientError, message).
				WithHTTPStatus(status).WithProvider(provider)
		case containsAny(lower, compatibilityPhrases):
			return types.NewError(types.ErrCompatibility, message).
				WithHTTPStatus(status).WithProvider(provider)
		}
		// 无法归类的 400 按不可用处理，留给下一个候选
		return types.NewUnavailableError(provider, status).WithRetryable(false)

	default:
		return types.NewUnavailableError(provider, status)
	}
}

// extractErrorMessage 依次尝试各种信封形状
func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	// {"error": {...}} / {"error": "..."} / {"errorMessage": "..."} /
	// {"__type": "...", "message"/"reason": "..."}
	var envelope struct {
		Error        json.RawMessage `json:"error"`
		ErrorMessage string          `json:"errorMessage"`
		Message      string          `json:"message"`
		Reason       string          `json:"reason"`
		Type         string          `json:"__type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// 非 JSON 响应体原样返回
		return string(body)
	}

	if len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var bare string
		if err := json.Unmarshal(envelope.Error, &bare); err == nil && bare != "" {
			return bare
		}
	}
	if envelope.ErrorMessage != "" {
		return envelope.ErrorMessage
	}
	if envelope.Type != "" {
		// AWS 信封：__type + message/reason
		if envelope.Message != "" {
			return envelope.Type + ": " + envelope.Message
		}
		if envelope.Reason != "" {
			return envelope.Type + ": " + envelope.Reason
		}
		return envelope.Type
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return string(body)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func messageOr(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}

// parseRetryAfter 解析 Retry-After 头（秒数形式）
func parseRetryAfter(headers map[string]string) time.Duration {
	for k, v := range headers {
		if strings.EqualFold(k, "retry-after") {
			if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}
